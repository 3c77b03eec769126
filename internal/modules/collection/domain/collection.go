package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	repldomain "chorus/internal/modules/replication/domain"
)

var (
	ErrUnknownOrigin    = errors.New("unknown origin")
	ErrTrackNotFound    = errors.New("track not found")
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrEntryNotFound    = errors.New("playlist entry not found")
	ErrInvalidTrack     = errors.New("invalid track")
	ErrInvalidPlaylist  = errors.New("invalid playlist")
)

const (
	KindTrackAdded           = "track_added"
	KindTrackRemoved         = "track_removed"
	KindPlaylistCreated      = "playlist_created"
	KindPlaylistRenamed      = "playlist_renamed"
	KindPlaylistDeleted      = "playlist_deleted"
	KindPlaylistEntryAdded   = "playlist_entry_added"
	KindPlaylistEntryRemoved = "playlist_entry_removed"
	KindPlaybackLogged       = "playback_logged"
)

type TrackAdded struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	// Location is opaque to the registry: a file path, a URL, or a resolver
	// hint understood by the player.
	Location string `json:"location,omitempty"`
}

type TrackRemoved struct {
	ID string `json:"id"`
}

type PlaylistCreated struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PlaylistRenamed struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PlaylistDeleted struct {
	ID string `json:"id"`
}

type PlaylistEntryAdded struct {
	Playlist string `json:"playlist"`
	Entry    string `json:"entry"`
	Track    string `json:"track"`
	// After is the entry this one follows; empty inserts at the head.
	After string `json:"after,omitempty"`
}

type PlaylistEntryRemoved struct {
	Playlist string `json:"playlist"`
	Entry    string `json:"entry"`
}

type PlaybackLogged struct {
	Track    string    `json:"track"`
	PlayedAt time.Time `json:"played_at"`
}

type Track struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Album      string    `json:"album,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Location   string    `json:"location,omitempty"`
	AddedAt    time.Time `json:"added_at"`
	Plays      int       `json:"plays"`
	LastPlayed time.Time `json:"last_played,omitempty"`
}

type entryNode struct {
	ID      string         `json:"id"`
	AfterID string         `json:"after_id"`
	Track   string         `json:"track"`
	Deleted bool           `json:"deleted"`
	Meta    repldomain.HLC `json:"meta"`
}

type Playlist struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	CreatedAt time.Time            `json:"created_at"`
	Nodes     map[string]entryNode `json:"nodes"`
}

type PlaylistEntry struct {
	ID    string `json:"id"`
	Track string `json:"track"`
}

// Entries renders the playlist in order. Among entries inserted after the
// same predecessor the newest comes first.
func (p Playlist) Entries() []PlaylistEntry {
	if len(p.Nodes) == 0 {
		return nil
	}
	children := map[string][]entryNode{}
	for _, node := range p.Nodes {
		children[node.AfterID] = append(children[node.AfterID], node)
	}
	for key := range children {
		sort.Slice(children[key], func(i, j int) bool {
			cmp := repldomain.CompareHLC(children[key][i].Meta, children[key][j].Meta)
			if cmp == 0 {
				return children[key][i].ID < children[key][j].ID
			}
			return cmp > 0
		})
	}
	out := make([]PlaylistEntry, 0, len(p.Nodes))
	seen := map[string]bool{}
	var walk func(parent string)
	walk = func(parent string) {
		for _, node := range children[parent] {
			if seen[node.ID] {
				continue
			}
			seen[node.ID] = true
			if !node.Deleted {
				out = append(out, PlaylistEntry{ID: node.ID, Track: node.Track})
			}
			walk(node.ID)
		}
	}
	walk("")
	// Entries whose predecessor never arrived go last, in id order.
	var orphans []string
	for id, node := range p.Nodes {
		if !seen[id] && !node.Deleted {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		out = append(out, PlaylistEntry{ID: id, Track: p.Nodes[id].Track})
	}
	return out
}

// Collection is the materialized state of one origin.
type Collection struct {
	Origin    string              `json:"origin"`
	Tracks    map[string]Track    `json:"tracks"`
	Playlists map[string]Playlist `json:"playlists"`
	Partial   bool                `json:"partial"`
}

func newCollection(origin string) *Collection {
	return &Collection{Origin: origin, Tracks: map[string]Track{}, Playlists: map[string]Playlist{}}
}

// Clone deep-copies the collection.
func (c *Collection) Clone() Collection {
	out := Collection{
		Origin:    c.Origin,
		Tracks:    make(map[string]Track, len(c.Tracks)),
		Playlists: make(map[string]Playlist, len(c.Playlists)),
		Partial:   c.Partial,
	}
	for id, track := range c.Tracks {
		out.Tracks[id] = track
	}
	for id, playlist := range c.Playlists {
		nodes := make(map[string]entryNode, len(playlist.Nodes))
		for nid, node := range playlist.Nodes {
			nodes[nid] = node
		}
		playlist.Nodes = nodes
		out.Playlists[id] = playlist
	}
	return out
}

// SortedTracks lists tracks by artist, album, title, id.
func (c Collection) SortedTracks() []Track {
	out := make([]Track, 0, len(c.Tracks))
	for _, track := range c.Tracks {
		out = append(out, track)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Artist != b.Artist {
			return a.Artist < b.Artist
		}
		if a.Album != b.Album {
			return a.Album < b.Album
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return out
}

func (c Collection) SortedPlaylists() []Playlist {
	out := make([]Playlist, 0, len(c.Playlists))
	for _, playlist := range c.Playlists {
		out = append(out, playlist)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Change describes one applied command.
type Change struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	Entity string `json:"entity"`
}

// View holds every origin's collection. Commands only touch the collection
// of their own origin, so interleaving across origins never changes the
// result.
type View struct {
	Collections map[string]*Collection
}

func NewView() *View {
	return &View{Collections: map[string]*Collection{}}
}

func (v *View) collection(origin string) *Collection {
	c, ok := v.Collections[origin]
	if !ok {
		c = newCollection(origin)
		v.Collections[origin] = c
	}
	return c
}

func (v *View) MarkPartial(origin string) {
	v.collection(origin).Partial = true
}

// Apply folds one command into the view. Unknown kinds are skipped so newer
// peers can introduce mutations; the returned bool reports whether anything
// was applied.
func (v *View) Apply(cmd repldomain.Command) (Change, bool, error) {
	c := v.collection(cmd.Origin)
	at := time.UnixMilli(cmd.Clock.Wall).UTC()
	change := Change{Origin: cmd.Origin, Seq: cmd.Seq, Kind: cmd.Kind, Entity: cmd.Entity}

	switch cmd.Kind {
	case KindTrackAdded:
		p := TrackAdded{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		track := Track{
			ID:         p.ID,
			Title:      p.Title,
			Artist:     p.Artist,
			Album:      p.Album,
			DurationMS: p.Duration,
			Location:   p.Location,
			AddedAt:    at,
		}
		if existing, ok := c.Tracks[p.ID]; ok {
			track.Plays = existing.Plays
			track.LastPlayed = existing.LastPlayed
			track.AddedAt = existing.AddedAt
		}
		c.Tracks[p.ID] = track
	case KindTrackRemoved:
		p := TrackRemoved{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		delete(c.Tracks, p.ID)
	case KindPlaylistCreated:
		p := PlaylistCreated{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		c.Playlists[p.ID] = Playlist{ID: p.ID, Name: p.Name, CreatedAt: at, Nodes: map[string]entryNode{}}
	case KindPlaylistRenamed:
		p := PlaylistRenamed{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		playlist, ok := c.Playlists[p.ID]
		if !ok {
			return change, false, nil
		}
		playlist.Name = p.Name
		c.Playlists[p.ID] = playlist
	case KindPlaylistDeleted:
		p := PlaylistDeleted{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		delete(c.Playlists, p.ID)
	case KindPlaylistEntryAdded:
		p := PlaylistEntryAdded{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		playlist, ok := c.Playlists[p.Playlist]
		if !ok {
			return change, false, nil
		}
		playlist.Nodes[p.Entry] = entryNode{ID: p.Entry, AfterID: p.After, Track: p.Track, Meta: cmd.Clock}
		c.Playlists[p.Playlist] = playlist
	case KindPlaylistEntryRemoved:
		p := PlaylistEntryRemoved{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		playlist, ok := c.Playlists[p.Playlist]
		if !ok {
			return change, false, nil
		}
		node, ok := playlist.Nodes[p.Entry]
		if !ok {
			return change, false, nil
		}
		// The node stays so entries inserted after it keep their place.
		node.Deleted = true
		playlist.Nodes[p.Entry] = node
	case KindPlaybackLogged:
		p := PlaybackLogged{}
		if err := cmd.Decode(&p); err != nil {
			return Change{}, false, err
		}
		track, ok := c.Tracks[p.Track]
		if !ok {
			return change, false, nil
		}
		track.Plays++
		if p.PlayedAt.After(track.LastPlayed) {
			track.LastPlayed = p.PlayedAt.UTC()
		}
		c.Tracks[p.Track] = track
	default:
		return change, false, nil
	}
	return change, true, nil
}

// Snapshot deep-copies every collection.
func (v *View) Snapshot() map[string]Collection {
	out := make(map[string]Collection, len(v.Collections))
	for origin, c := range v.Collections {
		out[origin] = c.Clone()
	}
	return out
}

// Canonical encodes the view deterministically. Map keys are sorted by the
// encoder.
func (v *View) Canonical() ([]byte, error) {
	raw, err := json.Marshal(v.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode view: %w", err)
	}
	return raw, nil
}

func TrackEntity(id string) string    { return "track/" + id }
func PlaylistEntity(id string) string { return "playlist/" + id }

func validID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.ContainsAny(id, "/\n")
}
