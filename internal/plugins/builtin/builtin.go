// Package builtin holds the plugin implementations compiled into the
// nanoclaw binary. Each plugin registers its factory from its entry file
// under plugins/<name>/; the plugin.json beside the entry drives discovery,
// capability gating, and load order.
package builtin
