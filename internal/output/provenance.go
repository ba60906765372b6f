package output

import (
	"bufio"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

const roCrateContext = "https://w3id.org/ro/crate/1.1/context"

type roCrate struct {
	Context string `json:"@context"`
	Graph   []any  `json:"@graph"`
}

type crateDescriptor struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	ConformsTo ref    `json:"conformsTo"`
	About      ref    `json:"about"`
}

type ref struct {
	ID string `json:"@id"`
}

type crateDataset struct {
	ID            string   `json:"@id"`
	Type          string   `json:"@type"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	DatePublished string   `json:"datePublished"`
	HasPart       []ref    `json:"hasPart"`
	// Provenance is the full run record.
	Provenance *models.Provenance `json:"cellmaps:provenance"`
}

type crateFile struct {
	ID             string `json:"@id"`
	Type           string `json:"@type"`
	Name           string `json:"name"`
	EncodingFormat string `json:"encodingFormat"`
}

type crateSoftware struct {
	ID      string `json:"@id"`
	Type    string `json:"@type"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type crateAction struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	Name       string `json:"name"`
	Instrument ref    `json:"instrument"`
	Object     []ref  `json:"object"`
	Result     []ref  `json:"result"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

// crate builds the RO-Crate metadata document for a run.
func crate(p *models.Provenance) *roCrate {
	name := p.Name
	if name == "" {
		name = "Image embedding"
	}
	model := p.ModelPath
	if model == "" {
		model = "#model-" + p.ModelBackend
	}
	objects := []ref{{ID: model}}
	for _, m := range p.ManifestPaths {
		objects = append(objects, ref{ID: m})
	}
	outputs := []ref{{ID: TableFile}, {ID: SkippedFile}}

	return &roCrate{
		Context: roCrateContext,
		Graph: []any{
			crateDescriptor{
				ID:         ProvenanceFile,
				Type:       "CreativeWork",
				ConformsTo: ref{ID: "https://w3id.org/ro/crate/1.1"},
				About:      ref{ID: "./"},
			},
			crateDataset{
				ID:            "./",
				Type:          "Dataset",
				Name:          name,
				Description:   p.Description,
				Keywords:      p.Keywords,
				DatePublished: p.EndTime.UTC().Format(time.RFC3339),
				HasPart:       outputs,
				Provenance:    p,
			},
			crateFile{ID: TableFile, Type: "File", Name: "Image embeddings", EncodingFormat: "text/tab-separated-values"},
			crateFile{ID: SkippedFile, Type: "File", Name: "Skipped samples", EncodingFormat: "text/tab-separated-values"},
			crateSoftware{ID: "#software", Type: "SoftwareApplication", Name: p.Software, Version: p.SoftwareVersion},
			crateAction{
				ID:         "#run-" + p.RunID,
				Type:       "CreateAction",
				Name:       "Compute image embeddings",
				Instrument: ref{ID: "#software"},
				Object:     objects,
				Result:     outputs,
				StartTime:  p.StartTime.UTC().Format(time.RFC3339Nano),
				EndTime:    p.EndTime.UTC().Format(time.RFC3339Nano),
			},
		},
	}
}

func writeProvenance(w *bufio.Writer, p *models.Provenance) error {
	data, err := json.MarshalIndent(crate(p), "", "  ")
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// ReadProvenance extracts the run record from an RO-Crate metadata document.
func ReadProvenance(data []byte) (*models.Provenance, error) {
	var doc struct {
		Graph []json.RawMessage `json:"@graph"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for _, raw := range doc.Graph {
		var node struct {
			ID         string             `json:"@id"`
			Provenance *models.Provenance `json:"cellmaps:provenance"`
		}
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, err
		}
		if node.ID == "./" && node.Provenance != nil {
			return node.Provenance, nil
		}
	}
	return nil, errNoProvenance
}
