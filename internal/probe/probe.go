// Package probe performs the blocking media discovery of a freshly
// uploaded file: tag extraction, cover-art normalization, and hashing.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
)

// discoveryTimeout bounds how long a single file may spend in discovery.
const discoveryTimeout = 10 * time.Second

// Metadata is the aggregate result of probing one file.
type Metadata struct {
	// Title falls back to the sanitized original filename when the file
	// carries no title tag.
	Title      string
	Artist     *string
	ArtistSort *string
	Album      *string
	AlbumSort  *string
	Disk       *int64
	Track      *int64
	// Cover is nil when the file embeds no image.
	Cover *Cover
	// OtherTags holds every tag not recognized above, values stringified.
	OtherTags map[string]string
}

// Cover is a normalized cover image: WebP bytes plus the SHA-256 of those
// bytes, which is the dedup key.
type Cover struct {
	Blob []byte
	Hash [sha256.Size]byte
}

// TagsJSON serializes the overflow map for the tracks.tags column.
func (m *Metadata) TagsJSON() (string, error) {
	if len(m.OtherTags) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m.OtherTags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Run probes the file at path. It blocks up to discoveryTimeout; the
// caller's context may cancel the wait earlier, but the underlying read
// always runs to completion and its result is discarded.
func Run(ctx context.Context, path, origFname string) (*Metadata, error) {
	type result struct {
		md  *Metadata
		err error
	}
	ch := make(chan result, 1)
	go func() {
		md, err := extract(path, origFname)
		ch <- result{md, err}
	}()
	timer := time.NewTimer(discoveryTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.md, r.err
	case <-timer.C:
		return nil, fmt.Errorf("timeout reached for processing tags")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// extract reads the tag container and maps recognized keys. A file with no
// recognizable tags (plain WAV, raw PCM) is not an error: the metadata is
// empty and the title falls back to the original filename.
func extract(path, origFname string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer f.Close()

	md := &Metadata{Title: origFname, OtherTags: map[string]string{}}
	m, err := tag.ReadFrom(f)
	if err != nil {
		if err == tag.ErrNoTagsFound {
			return md, nil
		}
		return nil, fmt.Errorf("read tags: %w", err)
	}

	if t := m.Title(); t != "" {
		md.Title = t
	}
	md.Artist = optStr(m.Artist())
	md.Album = optStr(m.Album())
	if n, _ := m.Track(); n != 0 {
		v := int64(n)
		md.Track = &v
	}
	if d, _ := m.Disc(); d != 0 {
		v := int64(d)
		md.Disk = &v
	}
	if pic := m.Picture(); pic != nil && len(pic.Data) > 0 {
		cover, err := EncodeCover(pic.Data)
		if err != nil {
			return nil, fmt.Errorf("cover art: %w", err)
		}
		md.Cover = cover
	}

	raw := m.Raw()
	md.ArtistSort = rawString(raw, "artistsort", "artist-sortname", "artist_sort", "TSOP", "soar")
	md.AlbumSort = rawString(raw, "albumsort", "album-sortname", "album_sort", "TSOA", "soal")
	collectOverflow(md, raw)
	return md, nil
}

// recognizedKeys are raw tag names already surfaced through typed fields;
// they stay out of the overflow map. Comparison is case-insensitive.
var recognizedKeys = map[string]struct{}{
	"title": {}, "tit2": {},
	"artist": {}, "tpe1": {},
	"album": {}, "talb": {},
	"tracknumber": {}, "track": {}, "trck": {},
	"discnumber": {}, "disc": {}, "tpos": {},
	"artistsort": {}, "artist-sortname": {}, "artist_sort": {}, "tsop": {}, "soar": {},
	"albumsort": {}, "album-sortname": {}, "album_sort": {}, "tsoa": {}, "soal": {},
	"picture": {}, "apic": {}, "metadata_block_picture": {}, "covr": {}, "image": {},
}

func collectOverflow(md *Metadata, raw map[string]interface{}) {
	for k, v := range raw {
		if _, ok := recognizedKeys[strings.ToLower(k)]; ok {
			continue
		}
		s, ok := stringify(v)
		if !ok {
			continue
		}
		md.OtherTags[k] = s
	}
}

// stringify renders a raw tag value, skipping binary payloads.
func stringify(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case bool:
		return strconv.FormatBool(x), true
	case *tag.Picture, []byte, nil:
		return "", false
	}
	return fmt.Sprint(v), true
}

func rawString(raw map[string]interface{}, keys ...string) *string {
	for k, v := range raw {
		lk := strings.ToLower(k)
		for _, want := range keys {
			if lk == strings.ToLower(want) {
				if s, ok := v.(string); ok && s != "" {
					return &s
				}
			}
		}
	}
	return nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
