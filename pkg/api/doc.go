// Package api implements the HTTP JSON API: sandbox lifecycle, capability
// dispatch (python, shell, browser, filesystem), workspaces, profiles, warm
// pool stats, health and metrics. Errors use a uniform envelope with stable
// machine-readable codes.
package api
