// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package ffmpeg

import (
	"path/filepath"
	"strings"
)

// Templates select the FFmpeg output options by source container
type Templates struct {
	// CopyExtensions are remuxed with Copy, everything else uses Encode.
	CopyExtensions []string
	Copy           []string
	Encode         []string
}

// DefaultTemplates copies Matroska streams and re-encodes everything else,
// both forcing yuv420p so the output plays everywhere.
func DefaultTemplates() Templates {
	return Templates{
		CopyExtensions: []string{".mkv", ".mk3d"},
		Copy:           []string{"-c:v", "copy", "-c:a", "copy", "-pix_fmt", "yuv420p"},
		Encode:         []string{"-pix_fmt", "yuv420p"},
	}
}

// IsCopy reports whether source is handled by the stream copy template
func (t Templates) IsCopy(source string) bool {
	ext := strings.ToLower(filepath.Ext(source))
	for _, e := range t.CopyExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// CreateCommand builds FFmpeg args for converting source into destination.
// The overwrite flag is always appended so re-runs never prompt.
func (t Templates) CreateCommand(source, destination string) []string {
	options := t.Encode
	if t.IsCopy(source) {
		options = t.Copy
	}

	cmd := make([]string, 0, len(options)+6)
	cmd = append(cmd, "-nostdin", "-i", source)
	cmd = append(cmd, options...)
	cmd = append(cmd, destination, "-y")
	return cmd
}
