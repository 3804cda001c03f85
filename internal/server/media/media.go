// Package media maps file extensions to retrieval classes and content types.
//
// The class of a stored object is never persisted. It is re-derived from the
// extension on every request, so the extension table below is part of the
// public URL contract.
package media

import (
	"mime"
	"path"
	"strings"

	"drop/internal/server/ident"
)

// Class is the coarse media category encoded in a public URL prefix.
type Class int

const (
	ClassFile Class = iota
	ClassImage
	ClassVideo
)

const maxExtLen = 16

var classes = map[string]Class{
	".jpg":  ClassImage,
	".jpeg": ClassImage,
	".png":  ClassImage,
	".gif":  ClassImage,
	".webp": ClassImage,
	".mp4":  ClassVideo,
	".webm": ClassVideo,
	".mov":  ClassVideo,
	".avi":  ClassVideo,
}

// contentTypes pins the types for classified extensions so responses do not
// depend on the host's mime.types.
var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
}

// DefaultContentType is served when an extension has no known type.
const DefaultContentType = "application/octet-stream"

func (c Class) String() string {
	switch c {
	case ClassImage:
		return "image"
	case ClassVideo:
		return "video"
	default:
		return "file"
	}
}

// Prefix returns the URL path segment for the class: "i", "v" or "f".
func (c Class) Prefix() string {
	switch c {
	case ClassImage:
		return "i"
	case ClassVideo:
		return "v"
	default:
		return "f"
	}
}

// ParsePrefix is the inverse of Class.Prefix.
func ParsePrefix(p string) (Class, bool) {
	switch p {
	case "i":
		return ClassImage, true
	case "v":
		return ClassVideo, true
	case "f":
		return ClassFile, true
	}
	return ClassFile, false
}

// Extension returns the lower-cased extension of filename, dot included.
// A leading dot alone (".bashrc") is not an extension.
// Extensions that are not 1-16 ASCII letters or digits are discarded and ""
// is returned, which keeps every storage key URL-safe.
func Extension(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(path.Ext(name))
	if ext == strings.ToLower(name) || !validExt(ext) {
		return ""
	}
	return ext
}

// Classify returns the class for an extension. Matching is case-insensitive
// and anything unrecognised, including "", is ClassFile.
func Classify(ext string) Class {
	return classes[strings.ToLower(ext)]
}

// ContentType returns the MIME type to serve for ext.
func ContentType(ext string) string {
	ext = strings.ToLower(ext)
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return DefaultContentType
}

// SplitKey splits a storage key into identifier and extension.
func SplitKey(key string) (id, ext string) {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i], key[i:]
	}
	return key, ""
}

// ValidKey reports whether key is an identifier optionally followed by a
// well-formed extension. Anything else cannot name a stored object.
func ValidKey(key string) bool {
	id, ext := SplitKey(key)
	if !ident.Valid(id) {
		return false
	}
	return ext == "" || (validExt(ext) && ext == strings.ToLower(ext))
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > maxExtLen+1 || ext[0] != '.' {
		return false
	}
	for i := 1; i < len(ext); i++ {
		c := ext[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
