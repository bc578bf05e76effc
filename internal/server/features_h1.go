//go:build !nohttp1

package server

var http1Enabled = true
