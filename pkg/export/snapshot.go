package export

import "encoding/json"

// Song is one entry of a playlist snapshot. Optional columns are pointers so
// that absent values are omitted from the export instead of zeroed.
type Song struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Performer string  `json:"performer"`
	Year      *int    `json:"year,omitempty"`
	Genre     *string `json:"genre,omitempty"`
	Duration  *int    `json:"duration,omitempty"`
}

// Playlist is a read-only projection of a playlist and its songs, assembled
// per export attempt and never persisted by this subsystem. Songs are ordered
// by title ascending so repeated reads of an unchanged playlist encode to
// byte-identical JSON.
type Playlist struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Songs []Song `json:"songs"`
}

// EncodeSnapshot renders the export attachment body.
func EncodeSnapshot(p Playlist) ([]byte, error) {
	if p.Songs == nil {
		p.Songs = []Song{}
	}
	return json.Marshal(struct {
		Playlist Playlist `json:"playlist"`
	}{Playlist: p})
}
