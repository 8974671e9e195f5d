package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存名/请求方法/命中来源字段，供拦截请求日志复用。
func RequestFields(cacheName, method, target, mode, source string) logrus.Fields {
	return logrus.Fields{
		"cache_name": cacheName,
		"method":     method,
		"target":     target,
		"mode":       mode,
		"source":     source,
		"cache_hit":  source == "cache" || source == "fallback",
	}
}

// LifecycleFields 描述 install/activate 等生命周期阶段的日志字段。
func LifecycleFields(action, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"state":      state,
	}
}
