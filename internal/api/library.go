package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultLibraryLimit = 50
	maxLibraryLimit     = 200
)

// LibraryHandler lists and searches the document library.
//
// GET /api/library?q=&mode=&category=&source=&include_fulltext=&
//     include_highlights_only=&sort=&dir=&limit=&offset=
//
// mode is lexical (default) or semantic; semantic defers to chunk-level
// vector search and maps the hits back to their documents.
func LibraryHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := queryInt(r, "limit", defaultLibraryLimit)
		if limit < 1 || limit > maxLibraryLimit {
			limit = defaultLibraryLimit
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		var (
			query           = r.URL.Query().Get("q")
			mode            = r.URL.Query().Get("mode")
			includeFulltext = queryBool(r, "include_fulltext", true)
			includeHLOnly   = queryBool(r, "include_highlights_only", true)
		)

		if mode == "semantic" && query != "" {
			items, err := librarySemantic(srv, r, query, limit, includeFulltext)
			if err != nil {
				srv.Logger.Error("semantic library search", "error", err)
				respondError(w, http.StatusInternalServerError, "library search failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{
				"items": items, "limit": limit, "offset": 0,
			})
			return
		}

		items, err := srv.Store.SearchLibrary(r.Context(), store.LibraryQuery{
			Q:                     query,
			Category:              r.URL.Query().Get("category"),
			Source:                r.URL.Query().Get("source"),
			Limit:                 limit,
			Offset:                offset,
			ExcludeFulltext:       !includeFulltext,
			ExcludeHighlightsOnly: !includeHLOnly,
			SortKey:               r.URL.Query().Get("sort"),
			SortDir:               r.URL.Query().Get("dir"),
		})
		if err != nil {
			if strings.Contains(err.Error(), "unknown library sort key") {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			srv.Logger.Error("library search", "error", err)
			respondError(w, http.StatusInternalServerError, "library search failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
		})
	})
}

// librarySemantic resolves a semantic library query to documents: the
// query is embedded, chunk hits are deduplicated to their documents in
// score order, and the documents are materialized as library rows.
// Highlight-only documents have no embeddings, so excluding full text
// yields nothing by construction.
func librarySemantic(srv *server.Server, r *http.Request, query string, limit int, includeFulltext bool) ([]store.LibraryItem, error) {
	if !includeFulltext {
		return nil, nil
	}

	vec, err := srv.Embedder.EmbedSingle(r.Context(), query)
	if err != nil {
		return nil, err
	}
	hits, err := srv.Store.SearchChunksSemantic(r.Context(), store.SemanticQuery{
		Vector:     embeddings.SerializeFloat32(vec),
		Dimensions: srv.Embedder.Dimensions(),
		Provider:   srv.Embedder.Name(),
		Model:      srv.Embedder.ModelID(),
		K:          limit * 4,
		Category:   r.URL.Query().Get("category"),
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var ids []int64
	for _, h := range hits {
		if seen[h.DocumentID] {
			continue
		}
		seen[h.DocumentID] = true
		ids = append(ids, h.DocumentID)
		if len(ids) == limit {
			break
		}
	}
	return srv.Store.LibraryItems(r.Context(), ids)
}

type documentResponse struct {
	Document   *store.Document   `json:"document"`
	Highlights []store.Highlight `json:"highlights"`
}

// DocumentsHandler reads and deletes single documents.
//
// GET    /api/documents/{id}  - document with its highlights
// DELETE /api/documents/{id}  - remove the document and everything derived
func DocumentsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := pathTail(r, "/api/documents")
		if len(parts) != 1 {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		id, err := parseID(parts[0])
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid document id")
			return
		}

		switch r.Method {
		case http.MethodGet:
			doc, err := srv.Store.GetDocument(r.Context(), id)
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusNotFound, "document not found")
				return
			}
			if err != nil {
				srv.Logger.Error("get document", "id", id, "error", err)
				respondError(w, http.StatusInternalServerError, "get document failed")
				return
			}
			highlights, err := srv.Store.ListHighlights(r.Context(), id)
			if err != nil {
				srv.Logger.Error("list highlights", "id", id, "error", err)
				respondError(w, http.StatusInternalServerError, "list highlights failed")
				return
			}
			respondJSON(w, http.StatusOK, documentResponse{Document: doc, Highlights: highlights})

		case http.MethodDelete:
			if err := srv.Store.DeleteDocument(r.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					respondError(w, http.StatusNotFound, "document not found")
					return
				}
				srv.Logger.Error("delete document", "id", id, "error", err)
				respondError(w, http.StatusInternalServerError, "delete document failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"deleted": id})

		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}
