// Package nodeindex implements the managed-node index (§4.B): the mapping
// between local bookmark-store ids and bridge-visible managed keys, plus the
// deterministic key-derivation rule used when a locally-created bookmark has
// never been assigned a key.
package nodeindex

import (
	"fmt"
	"strings"

	"github.com/Runixs/local-event-gateway/pkg/types"
)

const rootKey = "__root__"

// Index wraps a types.NodeIndex with the lookup and derivation operations.
// KeyForId and FolderKeyForId are O(1) lookups in idToKey.
// IsManagedFolder and IsManagedBookmark scan the values of the Folders and
// Bookmarks maps on every call; no scan result is cached.
type Index struct {
	state *types.NodeIndex
}

// New wraps the given NodeIndex (normally the one embedded in the durable
// state record) for in-place mutation.
func New(state *types.NodeIndex) *Index {
	return &Index{state: state}
}

// IsManagedFolder reports whether id is a local folder id tracked in Folders.
func (i *Index) IsManagedFolder(id string) bool {
	for _, v := range i.state.Folders {
		if v == id {
			return true
		}
	}
	return false
}

// IsManagedBookmark reports whether id is a local bookmark id tracked in Bookmarks.
func (i *Index) IsManagedBookmark(id string) bool {
	for _, v := range i.state.Bookmarks {
		if v == id {
			return true
		}
	}
	return false
}

// KeyForId returns the managed key for a local id, if any, via the reverse map.
func (i *Index) KeyForId(id string) (string, bool) {
	key, ok := i.state.IDToKey[id]
	return key, ok
}

// FolderKeyForId returns the managed key for id if it names a managed folder.
func (i *Index) FolderKeyForId(id string) (string, bool) {
	key, ok := i.state.IDToKey[id]
	if !ok {
		return "", false
	}
	if _, isFolder := i.state.Folders[key]; isFolder {
		return key, true
	}
	if key == rootKey {
		return key, true
	}
	return "", false
}

// ResolveKey is the forward lookup: managed key -> local id. It checks
// Folders then Bookmarks; rootKey resolves only when Folders holds an
// entry for it.
func (i *Index) ResolveKey(key string) (string, bool) {
	if id, ok := i.state.Folders[key]; ok {
		return id, true
	}
	if id, ok := i.state.Bookmarks[key]; ok {
		return id, true
	}
	return "", false
}

// RecordMapping records a local id -> managed key mapping, keeping Folders/
// Bookmarks consistent by prefix: folder:/the root key land in Folders,
// note:/bookmark: keys land in Bookmarks. It repairs staleness: if id was
// previously mapped to a different key, the old forward entry is removed.
func (i *Index) RecordMapping(id, key string) {
	if old, ok := i.state.IDToKey[id]; ok && old != key {
		delete(i.state.Folders, old)
		delete(i.state.Bookmarks, old)
	}
	i.state.IDToKey[id] = key
	if key == rootKey || strings.HasPrefix(key, "folder:") {
		i.state.Folders[key] = id
	} else {
		i.state.Bookmarks[key] = id
	}
}

// ParentInfo describes the information needed about a created bookmark's
// parent to derive its managed key.
type ParentInfo struct {
	ParentKey   string // managed key of the parent, "" if parent is unmanaged
	ParentTitle string // parent's title, used as a last-resort folder name
}

// DeriveKey computes the managed key for an outbound bookmark_created event,
// following the deterministic rule in §4.B:
//  1. if id already has a key, reuse it.
//  2. else derive from the parent's managed key:
//     - parent key starts with "note:"   -> "<pathAfterPrefix>|<index>"
//     - parent key starts with "folder:" -> the parent key itself
//     - otherwise, parent has a title    -> "folder:<parentTitle>"
//  3. else fall back to "bookmark:<id>".
func (i *Index) DeriveKey(id string, parent ParentInfo, index int) string {
	if key, ok := i.state.IDToKey[id]; ok {
		return key
	}
	switch {
	case strings.HasPrefix(parent.ParentKey, "note:"):
		path := strings.TrimPrefix(parent.ParentKey, "note:")
		return fmt.Sprintf("%s|%d", path, index)
	case strings.HasPrefix(parent.ParentKey, "folder:"):
		return parent.ParentKey
	case parent.ParentTitle != "":
		return "folder:" + parent.ParentTitle
	default:
		return "bookmark:" + id
	}
}
