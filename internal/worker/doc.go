// Package worker implements the offline cache manager and the lifecycle that
// drives it. The Manager reacts to three events: Install precaches the static
// asset list into the store named by the cache version, Activate deletes every
// store carrying another name, and Fetch resolves intercepted requests
// cache-first with network fallback and opportunistic fill. Registration plays
// the host platform: it runs install before activate and only reports the
// worker as active once both succeeded.
package worker
