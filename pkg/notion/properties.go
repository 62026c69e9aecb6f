package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// maxRichText is Notion's per-object text content limit.
const maxRichText = 2000

func textObjects(s string) []notionapi.RichText {
	if len(s) > maxRichText {
		s = s[:maxRichText]
	}
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

// Title builds a title property.
func Title(s string) notionapi.TitleProperty {
	return notionapi.TitleProperty{Title: textObjects(s)}
}

// RichText builds a rich_text property, cut to Notion's length limit.
func RichText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{RichText: textObjects(s)}
}

// Status builds a status property.
func Status(name string) notionapi.StatusProperty {
	return notionapi.StatusProperty{Status: notionapi.Status{Name: name}}
}

// Date builds a date property.
func Date(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
}

func plain(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// Text reads a title or rich_text property as plain text. Missing
// properties and other property types read as "".
func Text(p notionapi.Page, name string) string {
	switch prop := p.Properties[name].(type) {
	case *notionapi.TitleProperty:
		return plain(prop.Title)
	case *notionapi.RichTextProperty:
		return plain(prop.RichText)
	}
	return ""
}

// StatusName reads a status property's option name.
func StatusName(p notionapi.Page, name string) string {
	if prop, ok := p.Properties[name].(*notionapi.StatusProperty); ok {
		return prop.Status.Name
	}
	return ""
}
