// Package naming derives queued task names and HTTP paths from entry point
// names.
package naming

import "strings"

// TaskName joins the non-empty parts with "." and rewrites every path
// separator to ".", so "svc", "orders", "get/all", "get" becomes
// "svc.orders.get.all.get".
func TaskName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.ReplaceAll(strings.Join(kept, "."), "/", ".")
}

// HTTPPath converts a dotted entry point name into the HTTP route the
// registrar exposes it under: dots become slashes, spaces and underscores
// become dashes, and the result is rooted with no trailing slash.
func HTTPPath(name string) string {
	r := strings.NewReplacer(".", "/", " ", "-", "_", "-")
	path := strings.TrimRight("/"+r.Replace(name), "/")
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
