package webhook

import (
	"fmt"
	"strings"
)

// ExtractText returns the text stored for a message: the body for text
// messages, the caption or filename for media, a summary for locations.
// Unknown types yield "".
func ExtractText(m Message) string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Image != nil:
		return m.Image.Caption
	case m.Video != nil:
		return m.Video.Caption
	case m.Document != nil:
		if m.Document.Caption != "" {
			return m.Document.Caption
		}
		return m.Document.Filename
	case m.Location != nil:
		return formatLocation(m.Location)
	}
	return ""
}

func formatLocation(loc *LocationContent) string {
	parts := []string{"[location]"}
	if loc.Name != "" {
		parts = append(parts, loc.Name)
	}
	if loc.Address != "" {
		parts = append(parts, loc.Address)
	}
	parts = append(parts, fmt.Sprintf("(%.6f, %.6f)", loc.Latitude, loc.Longitude))
	return strings.Join(parts, " ")
}
