// Package entity defines the records the sync engine keeps in step with the
// server: notes and folders, each carrying a server-assigned version.
package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies which kind of record an Entity carries
type Type string

const (
	TypeNote   Type = "note"
	TypeFolder Type = "folder"
)

// Types lists every syncable entity type, in full-resync order
var Types = []Type{TypeFolder, TypeNote}

// Valid reports whether t is a known entity type
func (t Type) Valid() bool {
	return t == TypeNote || t == TypeFolder
}

// Plural returns the REST collection name ("notes", "folders")
func (t Type) Plural() string {
	return string(t) + "s"
}

// ProvisionalPrefix marks ids generated locally before server confirmation
const ProvisionalPrefix = "tmp-"

// IsProvisionalID reports whether id was generated on this client
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Field names used by conflict diffs and merges
const (
	FieldTitle    = "title"
	FieldContent  = "content"
	FieldFolderID = "folder_id"
	FieldName     = "name"
	FieldParentID = "parent_id"
)

// NoteFields is the user-editable content of a note.
// An empty FolderID places the note at the root.
type NoteFields struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	FolderID string `json:"folderId,omitempty"`
}

// FolderFields is the user-editable content of a folder.
// An empty ParentID places the folder at the root.
type FolderFields struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// Entity is a note or a folder. Exactly one of Note and Folder is set,
// matching Type.
//
// Version is 0 for provisional entities that the server has not yet
// acknowledged; confirmed entities start at 1.
type Entity struct {
	ID        string        `json:"id"`
	Type      Type          `json:"type"`
	Version   int           `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Note      *NoteFields   `json:"note,omitempty"`
	Folder    *FolderFields `json:"folder,omitempty"`
}

// NewNote builds a note entity
func NewNote(id string, version int, title, content, folderID string) Entity {
	return Entity{
		ID:      id,
		Type:    TypeNote,
		Version: version,
		Note:    &NoteFields{Title: title, Content: content, FolderID: folderID},
	}
}

// NewFolder builds a folder entity
func NewFolder(id string, version int, name, parentID string) Entity {
	return Entity{
		ID:      id,
		Type:    TypeFolder,
		Version: version,
		Folder:  &FolderFields{Name: name, ParentID: parentID},
	}
}

// Provisional reports whether the entity still lacks server confirmation
func (e Entity) Provisional() bool {
	return e.Version == 0 || IsProvisionalID(e.ID)
}

// Validate checks that the tagged fields match the declared type
func (e Entity) Validate() error {
	switch e.Type {
	case TypeNote:
		if e.Note == nil || e.Folder != nil {
			return fmt.Errorf("note %s: expected note fields only", e.ID)
		}
	case TypeFolder:
		if e.Folder == nil || e.Note != nil {
			return fmt.Errorf("folder %s: expected folder fields only", e.ID)
		}
	default:
		return fmt.Errorf("entity %s: unknown type %q", e.ID, e.Type)
	}
	return nil
}

// Clone returns a deep copy
func (e Entity) Clone() Entity {
	out := e
	if e.Note != nil {
		n := *e.Note
		out.Note = &n
	}
	if e.Folder != nil {
		f := *e.Folder
		out.Folder = &f
	}
	return out
}

// Equal compares identity, version and fields. UpdatedAt is ignored so that
// server timestamps do not make otherwise identical records differ.
func (e Entity) Equal(o Entity) bool {
	if e.ID != o.ID || e.Type != o.Type || e.Version != o.Version {
		return false
	}
	return e.SameContent(o)
}

// SameContent compares only the user-editable fields
func (e Entity) SameContent(o Entity) bool {
	switch {
	case e.Note != nil && o.Note != nil:
		return *e.Note == *o.Note
	case e.Folder != nil && o.Folder != nil:
		return *e.Folder == *o.Folder
	default:
		return e.Note == nil && o.Note == nil && e.Folder == nil && o.Folder == nil
	}
}

// Parent returns the id of the containing folder ("" for root)
func (e Entity) Parent() string {
	switch {
	case e.Note != nil:
		return e.Note.FolderID
	case e.Folder != nil:
		return e.Folder.ParentID
	}
	return ""
}

// WithParent returns a copy moved under parentID
func (e Entity) WithParent(parentID string) Entity {
	out := e.Clone()
	switch {
	case out.Note != nil:
		out.Note.FolderID = parentID
	case out.Folder != nil:
		out.Folder.ParentID = parentID
	}
	return out
}

// Label is the human-facing name: a note title or a folder name
func (e Entity) Label() string {
	switch {
	case e.Note != nil:
		return e.Note.Title
	case e.Folder != nil:
		return e.Folder.Name
	}
	return ""
}

// Fields flattens the editable values into a field-name map
func (e Entity) Fields() map[string]string {
	switch {
	case e.Note != nil:
		return map[string]string{
			FieldTitle:    e.Note.Title,
			FieldContent:  e.Note.Content,
			FieldFolderID: e.Note.FolderID,
		}
	case e.Folder != nil:
		return map[string]string{
			FieldName:     e.Folder.Name,
			FieldParentID: e.Folder.ParentID,
		}
	}
	return map[string]string{}
}

// FieldNames returns the editable field names of a type in display order
func FieldNames(t Type) []string {
	switch t {
	case TypeNote:
		return []string{FieldTitle, FieldContent, FieldFolderID}
	case TypeFolder:
		return []string{FieldName, FieldParentID}
	}
	return nil
}

// WithField returns a copy with a single field replaced
func (e Entity) WithField(name, value string) (Entity, error) {
	out := e.Clone()
	switch {
	case out.Note != nil:
		switch name {
		case FieldTitle:
			out.Note.Title = value
		case FieldContent:
			out.Note.Content = value
		case FieldFolderID:
			out.Note.FolderID = value
		default:
			return e, fmt.Errorf("note has no field %q", name)
		}
	case out.Folder != nil:
		switch name {
		case FieldName:
			out.Folder.Name = value
		case FieldParentID:
			out.Folder.ParentID = value
		default:
			return e, fmt.Errorf("folder has no field %q", name)
		}
	default:
		return e, fmt.Errorf("entity %s has no fields", e.ID)
	}
	return out, nil
}

// DiffFields returns the names of fields whose values differ, sorted
func DiffFields(a, b Entity) []string {
	af, bf := a.Fields(), b.Fields()
	var out []string
	for k, v := range af {
		if bf[k] != v {
			out = append(out, k)
		}
	}
	for k := range bf {
		if _, ok := af[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

const previewLen = 200

// Preview returns the first 200 bytes of a note's content for list views
func (e Entity) Preview() string {
	if e.Note == nil {
		return ""
	}
	if len(e.Note.Content) > previewLen {
		return e.Note.Content[:previewLen] + "..."
	}
	return e.Note.Content
}
