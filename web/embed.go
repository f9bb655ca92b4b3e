package web

import "embed"

// FS holds the embedded live-view assets served at the HTTP root.
//
//go:embed *.html *.css *.js
var FS embed.FS
