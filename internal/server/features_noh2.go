//go:build nohttp2

package server

var http2Enabled = false
