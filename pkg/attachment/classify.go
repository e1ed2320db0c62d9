package attachment

import (
	"path/filepath"
	"strings"

	"github.com/mahaj/chatcore/pkg/model"
)

var kinds = map[string]model.AttachmentKind{
	"jpeg": model.KindImage,
	"jpg":  model.KindImage,
	"png":  model.KindImage,
	"gif":  model.KindImage,
	"webp": model.KindImage,
	"mp4":  model.KindVideo,
	"mov":  model.KindVideo,
	"avi":  model.KindVideo,
	"webm": model.KindVideo,
	"mp3":  model.KindAudio,
	"wav":  model.KindAudio,
	"ogg":  model.KindAudio,
	"pdf":  model.KindDocument,
	"doc":  model.KindDocument,
	"docx": model.KindDocument,
	"xls":  model.KindDocument,
	"xlsx": model.KindDocument,
	"ppt":  model.KindDocument,
	"pptx": model.KindDocument,
	"txt":  model.KindDocument,
}

func extension(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// Classify maps a filename to its attachment kind by extension. Anything
// outside the allow-list is KindUnknown.
func Classify(filename string) model.AttachmentKind {
	if k, ok := kinds[extension(filename)]; ok {
		return k
	}
	return model.KindUnknown
}
