package chats

import (
	"encoding/json"

	"github.com/haasonsaas/loom/pkg/models"
)

// encodeMetadata serializes optional message metadata; nil stays empty.
func encodeMetadata(meta *models.MessageMetadata) (string, error) {
	if meta == nil {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeMetadata parses stored metadata; malformed data decodes to nil,
// never an error.
func decodeMetadata(data string) *models.MessageMetadata {
	if data == "" {
		return nil
	}
	var meta models.MessageMetadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil
	}
	return &meta
}
