// Package filetype 根据 MIME 类型决定文件的存储分类和存储文件名
package filetype

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Category 文件存储分类, 每个分类对应一个扁平的存储目录
type Category string

const (
	Images    Category = "images"
	Video     Category = "video"
	Audio     Category = "audio"
	Documents Category = "documents"
	Other     Category = "other"
)

// Categories 所有分类
var Categories = []Category{Images, Video, Audio, Documents, Other}

// 归为文档的非 text/* 类型
var documentTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/rtf":    {},
	"application/json":   {},
	"application/xml":    {},
	"application/vnd.oasis.opendocument.text":         {},
	"application/vnd.oasis.opendocument.spreadsheet":  {},
	"application/vnd.oasis.opendocument.presentation": {},
	"application/vnd.ms-excel":                        {},
	"application/vnd.ms-powerpoint":                   {},
}

// Categorize 把 MIME 类型映射到固定的分类集合, 无法识别的一律为 Other
func Categorize(mimeType string) Category {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}

	top, _, _ := strings.Cut(mediaType, "/")
	switch top {
	case "image":
		return Images
	case "video":
		return Video
	case "audio":
		return Audio
	case "text":
		return Documents
	}
	if _, ok := documentTypes[mediaType]; ok {
		return Documents
	}
	if strings.HasPrefix(mediaType, "application/vnd.openxmlformats-officedocument.") {
		return Documents
	}
	return Other
}

// UniqueName 在文件名和扩展名之间追加纳秒时间戳, 避免与已有文件重名
func UniqueName(fileName string, now time.Time) string {
	name := SafeBase(fileName)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s_%d%s", base, now.UnixNano(), ext)
}

// SafeBase 去掉路径部分和分隔符, 只保留文件名
func SafeBase(fileName string) string {
	name := strings.ReplaceAll(fileName, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// ContentTypeOf 根据存储文件的扩展名推断 Content-Type
func ContentTypeOf(storedName, fallback string) string {
	if ct := mime.TypeByExtension(filepath.Ext(storedName)); ct != "" {
		return ct
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
