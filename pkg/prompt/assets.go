package prompt

import (
	"embed"
	"io/fs"
)

//go:embed instructions/*.md
var embedded embed.FS

// AssetsFS returns the built-in instruction templates.
func AssetsFS() (fs.FS, error) {
	return fs.Sub(embedded, "instructions")
}
