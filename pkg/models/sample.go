// Package models contains domain models for cellmaps-embedding.
package models

import (
	"fmt"
	"strings"
)

// Channel names one stain/marker image of a field of view.
type Channel string

const (
	ChannelRed    Channel = "red"    // microtubule
	ChannelGreen  Channel = "green"  // target protein
	ChannelBlue   Channel = "blue"   // nucleus
	ChannelYellow Channel = "yellow" // endoplasmic reticulum
)

// DefaultChannels is the channel order the HPA DenseNet model was trained on.
var DefaultChannels = []Channel{ChannelRed, ChannelGreen, ChannelBlue, ChannelYellow}

// ParseChannels converts a list of names into channels, rejecting
// empty names and duplicates.
func ParseChannels(names []string) ([]Channel, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}
	seen := make(map[Channel]bool, len(names))
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		c := Channel(strings.ToLower(strings.TrimSpace(n)))
		if c == "" {
			return nil, fmt.Errorf("empty channel name")
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate channel %q", c)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// ChannelImage references the image file of a single channel.
type ChannelImage struct {
	Channel Channel `json:"channel"`
	Path    string  `json:"path"`
}

// ImageSet is one field of view: every configured channel, in model order.
type ImageSet struct {
	Key      string         `json:"key"`
	Channels []ChannelImage `json:"channels"`
	Width    int            `json:"width,omitempty"`
	Height   int            `json:"height,omitempty"`
}

// Sample is one biological unit (gene or antibody) and its image sets.
type Sample struct {
	ID         string     `json:"id"`
	Represents string     `json:"represents,omitempty"`
	Antibody   string     `json:"antibody,omitempty"`
	ImageSets  []ImageSet `json:"image_sets"`
}

// ImageCount returns the total number of channel images in the sample.
func (s *Sample) ImageCount() int {
	n := 0
	for _, set := range s.ImageSets {
		n += len(set.Channels)
	}
	return n
}

// EmbeddingRecord is the final per-sample embedding. It is created once by the
// aggregator and must not be mutated afterwards.
type EmbeddingRecord struct {
	SampleID  string    `json:"sample_id"`
	Embedding []float32 `json:"embedding"`
	// Sources is the number of feature vectors that were averaged.
	Sources int `json:"sources"`
}

// Dimensions returns the embedding length.
func (r *EmbeddingRecord) Dimensions() int {
	return len(r.Embedding)
}
