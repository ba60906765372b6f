// Package resolver locates and validates the channel images of each sample.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"path"
	"strings"

	// Registered image formats.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/internal/storage"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// Resolver turns manifest entries into validated samples.
type Resolver struct {
	store      storage.Store
	channels   []models.Channel
	extensions []string
	logger     zerolog.Logger
}

// New creates a Resolver reading from store. channels is the model channel
// order; extensions are tried in order when a set is listed by prefix.
func New(store storage.Store, channels []models.Channel, extensions []string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		channels:   channels,
		extensions: extensions,
		logger:     logger.With().Str("component", "resolver").Logger(),
	}
}

// Samples yields every manifest entry as either a valid sample or a
// *models.SampleError. Invalid entries never stop iteration; only a done
// context does. Each call starts a fresh pass over the manifest.
func (r *Resolver) Samples(ctx context.Context, m *models.RunManifest) iter.Seq2[*models.Sample, error] {
	return func(yield func(*models.Sample, error) bool) {
		for i := range m.Entries {
			if err := ctx.Err(); err != nil {
				return
			}
			sample, err := r.Resolve(ctx, &m.Entries[i])
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Warn().Err(err).Str("sample", m.Entries[i].SampleID).Msg("Sample skipped")
			}
			if !yield(sample, err) {
				return
			}
		}
	}
}

// Resolve validates a single entry. Every set must provide every configured
// channel, each image must decode its header, and the channels of a set must
// share dimensions.
func (r *Resolver) Resolve(ctx context.Context, e *models.ManifestEntry) (*models.Sample, error) {
	if len(e.Sets) == 0 {
		return nil, models.NewSampleError(e.SampleID, models.KindMissingChannel, errors.New("no image sets listed"))
	}
	sample := &models.Sample{
		ID:         e.SampleID,
		Represents: e.Represents,
		Antibody:   e.Antibody,
		ImageSets:  make([]models.ImageSet, 0, len(e.Sets)),
	}
	for _, ms := range e.Sets {
		set, err := r.resolveSet(ctx, e.SampleID, ms)
		if err != nil {
			return nil, err
		}
		sample.ImageSets = append(sample.ImageSets, set)
	}
	return sample, nil
}

func (r *Resolver) resolveSet(ctx context.Context, sampleID string, ms models.ManifestSet) (models.ImageSet, error) {
	set := models.ImageSet{
		Key:      ms.Prefix,
		Channels: make([]models.ChannelImage, 0, len(r.channels)),
	}
	for _, ch := range r.channels {
		name, err := r.locate(ctx, ms, ch)
		if err != nil {
			if ctx.Err() != nil {
				return set, ctx.Err()
			}
			return set, models.NewSampleError(sampleID, models.KindMissingChannel, err)
		}

		w, h, err := r.dimensions(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return set, ctx.Err()
			}
			return set, models.NewSampleError(sampleID, models.KindCorruptImage, fmt.Errorf("%s: %w", name, err))
		}
		if len(set.Channels) == 0 {
			set.Width, set.Height = w, h
		} else if w != set.Width || h != set.Height {
			return set, models.NewSampleError(sampleID, models.KindCorruptImage,
				fmt.Errorf("dimension mismatch in set %s: %s is %dx%d, expected %dx%d",
					ms.Prefix, name, w, h, set.Width, set.Height))
		}
		set.Channels = append(set.Channels, models.ChannelImage{Channel: ch, Path: name})
	}
	return set, nil
}

// locate finds the object holding channel ch of a set.
func (r *Resolver) locate(ctx context.Context, ms models.ManifestSet, ch models.Channel) (string, error) {
	if ms.Paths != nil {
		name, ok := ms.Paths[ch]
		if !ok {
			return "", fmt.Errorf("channel %s not listed for set %s", ch, ms.Prefix)
		}
		ok, err := r.store.Exists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("channel %s: %w", ch, err)
		}
		if !ok {
			return "", fmt.Errorf("channel %s: %s does not exist", ch, name)
		}
		return name, nil
	}

	base := path.Join(string(ch), ms.Prefix+string(ch))
	for _, ext := range r.extensions {
		name := base + ext
		ok, err := r.store.Exists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("channel %s: %w", ch, err)
		}
		if ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("channel %s: no file %s{%s}", ch, base, strings.Join(r.extensions, ","))
}

func (r *Resolver) dimensions(ctx context.Context, name string) (int, int, error) {
	rc, err := r.store.Open(ctx, name)
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}
