// Package catalog discovers the installed voice databases and their
// metadata.
package catalog

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/logger"
	"gopkg.in/yaml.v3"
)

const (
	descriptorFile = "voice.yaml"
	imagesDir      = "images"
	imagesArchive  = "images.dat"
	iconName       = "icon.png"
	// iconMember is the icon's path inside images.dat.
	iconMember = "images/icon.png"
)

var (
	// ErrIconNotFound indicates a voice ships no icon.
	ErrIconNotFound = errors.New("voice icon not found")
)

// Descriptor is the optional voice.yaml next to a voice database.
type Descriptor struct {
	Name       string `yaml:"name"`
	Dialect    string `yaml:"dialect"`
	Gender     string `yaml:"gender"`
	Background string `yaml:"background_color"`
}

// Catalog is an immutable, id-ordered set of voices.
type Catalog struct {
	voices []core.Voice
	byID   map[string]int
}

var _ core.VoiceProvider = (*Catalog)(nil)

// New builds a catalog from voices in the given order.
func New(voices []core.Voice) *Catalog {
	c := &Catalog{voices: voices, byID: make(map[string]int, len(voices))}

	for i, v := range voices {
		c.byID[v.ID] = i
	}

	return c
}

// FromIDs builds a catalog of bare voices, used when nothing is scanned.
func FromIDs(ids []string, resolver *language.Resolver) *Catalog {
	if resolver == nil {
		resolver = language.NewResolver()
	}

	voices := make([]core.Voice, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, core.Voice{ID: id, Name: id, Dialect: resolver.Dialect(id, "")})
	}

	return New(voices)
}

// Scan reads every voice directory under dir. A voice whose icon or
// descriptor cannot be read is still listed; the problem is logged.
func Scan(dir string, resolver *language.Resolver, log *logger.Logger) (*Catalog, error) {
	if resolver == nil {
		resolver = language.NewResolver()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice directory %s: %w", dir, err)
	}

	var voices []core.Voice

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		voiceDir := filepath.Join(dir, id)

		desc, err := readDescriptor(voiceDir)
		if err != nil {
			log.Warn("Voice %s: %v", id, err)
		}

		voice := core.Voice{
			ID:         id,
			Name:       desc.Name,
			Dialect:    desc.Dialect,
			Gender:     desc.Gender,
			Background: desc.Background,
		}

		if voice.Name == "" {
			voice.Name = id
		}

		if voice.Dialect == "" {
			voice.Dialect = resolver.Dialect(id, "")
		}

		icon, err := ReadIcon(voiceDir)
		if err != nil {
			log.Warn("Voice %s: %v", id, err)
		}

		voice.Icon = icon
		voices = append(voices, voice)
	}

	log.Info("Found %d voices in %s", len(voices), dir)

	return New(voices), nil
}

func readDescriptor(voiceDir string) (Descriptor, error) {
	var desc Descriptor

	data, err := os.ReadFile(filepath.Join(voiceDir, descriptorFile))
	if errors.Is(err, fs.ErrNotExist) {
		return desc, nil
	}

	if err != nil {
		return desc, fmt.Errorf("failed to read %s: %w", descriptorFile, err)
	}

	err = yaml.Unmarshal(data, &desc)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse %s: %w", descriptorFile, err)
	}

	return desc, nil
}

// ReadIcon returns images/icon.png of a voice directory, falling back to the
// same member of the images.dat archive.
func ReadIcon(voiceDir string) ([]byte, error) {
	images := filepath.Join(voiceDir, imagesDir)

	info, err := os.Stat(images)
	if err == nil && info.IsDir() {
		data, readErr := os.ReadFile(filepath.Join(images, iconName))
		if readErr != nil {
			return nil, fmt.Errorf("failed to read icon: %w", readErr)
		}

		return data, nil
	}

	archive, err := zip.OpenReader(filepath.Join(voiceDir, imagesArchive))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrIconNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", imagesArchive, err)
	}

	defer func() {
		_ = archive.Close()
	}()

	member, err := archive.Open(iconMember)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrIconNotFound, iconMember, imagesArchive)
	}

	defer func() {
		_ = member.Close()
	}()

	data, err := io.ReadAll(member)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", iconMember, imagesArchive, err)
	}

	return data, nil
}

// Voices returns every voice in id order.
func (c *Catalog) Voices() []core.Voice {
	return append([]core.Voice(nil), c.voices...)
}

// Voice returns the voice with id.
func (c *Catalog) Voice(id string) (core.Voice, bool) {
	i, ok := c.byID[id]
	if !ok {
		return core.Voice{}, false
	}

	return c.voices[i], true
}

// IDs returns the voice ids in order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.voices))
	for _, v := range c.voices {
		ids = append(ids, v.ID)
	}

	return ids
}
