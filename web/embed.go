package web

import "embed"

// FS holds the status page served at "/".
//
//go:embed *.html *.css *.js
var FS embed.FS
