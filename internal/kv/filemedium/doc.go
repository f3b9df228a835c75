// Package filemedium keeps kv values in a TOML document on disk so that several
// processes can share them.
//
// File is the kv.Medium. Every value lives as a JSON string in the [values] table:
//
//	[values]
//	"geo.position" = '{"coords":{"latitude":21.42,"longitude":39.82}}'
//	theme = '"dark"'
//
// Watcher is the matching kv.Channel. It fans out changes published in this process
// and turns writes made by other processes into changes by diffing the document
// each time fsnotify reports activity on it.
package filemedium
