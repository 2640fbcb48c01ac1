package detector

import (
	"path/filepath"
	"strings"
)

// FileExtension extracts the lowercase extension of the last path segment of
// a decoded route. Anything after the first "?" or "#" is query or fragment
// and never contributes an extension.
func FileExtension(decodedPath string) (string, bool) {
	p := routePath(decodedPath)
	segment := p[strings.LastIndexByte(p, '/')+1:]
	dot := strings.LastIndexByte(segment, '.')
	if dot <= 0 || dot == len(segment)-1 {
		return "", false
	}
	return strings.ToLower(segment[dot+1:]), true
}

// isStaticFile reports whether the route names a regular file under root whose
// extension is not handled by a script engine.
func (d *Detector) isStaticFile(root, decodedPath string) bool {
	ext, ok := FileExtension(decodedPath)
	if !ok || d.robots.IsDynamicExtension(ext) {
		return false
	}
	root = filepath.Clean(root)
	rel := strings.TrimLeft(routePath(decodedPath), "/")
	abs := filepath.Join(root, filepath.FromSlash(rel))
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if abs != root && !strings.HasPrefix(abs, prefix) {
		return false
	}
	info, err := d.fs.Stat(abs)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func routePath(decodedPath string) string {
	if i := strings.IndexAny(decodedPath, "?#"); i >= 0 {
		return decodedPath[:i]
	}
	return decodedPath
}
