package configs

import _ "embed"

// TermlinkdExample is a commented host daemon config with every key set to
// its default.
//
//go:embed termlinkd.example.yaml
var TermlinkdExample []byte
