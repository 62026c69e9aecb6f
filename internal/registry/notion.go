package registry

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/pkg/notion"
)

// LoadPromptsFromNotion queries a Notion prompt database for all published
// prompts. Each page carries ID (title), Version, System and Template
// properties. The result is meant to be passed to New or With, which reject
// any id@version that collides with different text.
func LoadPromptsFromNotion(ctx context.Context, client notion.Client, dbID string) (Document, error) {
	pages, err := notion.Database{Client: client, ID: dbID}.WithStatus(ctx, "Published")
	if err != nil {
		return Document{}, eris.Wrap(err, "registry: load prompts from notion")
	}

	var doc Document
	for _, p := range pages {
		prompt, err := parsePromptPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed prompt page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		doc.Prompts = append(doc.Prompts, prompt)
	}
	return doc, nil
}

func parsePromptPage(p notionapi.Page) (Prompt, error) {
	prompt := Prompt{
		ID:       notion.Text(p, "ID"),
		Version:  notion.Text(p, "Version"),
		System:   notion.Text(p, "System"),
		Template: notion.Text(p, "Template"),
	}
	switch {
	case prompt.ID == "":
		return prompt, eris.New("missing ID property")
	case prompt.Version == "":
		return prompt, eris.Errorf("prompt %s: missing Version property", prompt.ID)
	case prompt.Template == "":
		return prompt, eris.Errorf("prompt %s: missing Template property", prompt.Ref())
	}
	return prompt, nil
}
