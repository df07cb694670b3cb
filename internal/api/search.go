package api

import (
	"fmt"
	"net/http"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100

	// rrfK is the rank damping constant for reciprocal rank fusion.
	rrfK = 60
)

type searchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	Limit    int    `json:"limit"`
}

func (req searchRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Query, validation.Required, validation.Length(1, 500)),
		validation.Field(&req.Limit, validation.Min(0), validation.Max(maxSearchLimit)),
		validation.Field(&req.DateFrom, validation.Date("2006-01-02")),
		validation.Field(&req.DateTo, validation.Date("2006-01-02")),
	)
}

type searchResponse struct {
	Mode  string           `json:"mode"`
	Query string           `json:"query"`
	Hits  []store.ChunkHit `json:"hits"`
}

// SearchHandler runs search in one of four modes.
//
// POST /api/search/lexical   - FTS5 over chunk text
// POST /api/search/semantic  - KNN over chunk embeddings
// POST /api/search/hybrid    - reciprocal rank fusion of both
// POST /api/search/documents - legacy KNN over document-level vectors
func SearchHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		parts := pathTail(r, "/api/search")
		if len(parts) != 1 {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		mode := parts[0]

		var req searchRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Limit == 0 {
			req.Limit = defaultSearchLimit
		}

		if mode == "documents" {
			if srv.Embedder.Dimensions() != store.DocVectorDims {
				respondError(w, http.StatusBadRequest,
					fmt.Sprintf("document search requires a %d-dimension embedding model", store.DocVectorDims))
				return
			}
			items, err := searchDocuments(srv, r, req)
			if err != nil {
				srv.Logger.Error("search failed", "mode", mode, "error", err)
				respondError(w, http.StatusInternalServerError, "search failed: "+err.Error())
				return
			}
			if items == nil {
				items = []store.LibraryItem{}
			}
			respondJSON(w, http.StatusOK, map[string]any{
				"mode": mode, "query": req.Query, "documents": items,
			})
			return
		}

		var hits []store.ChunkHit
		var err error
		switch mode {
		case "lexical":
			hits, err = srv.Store.SearchChunksLexical(r.Context(), req.Query, req.Category, req.Limit)
		case "semantic":
			hits, err = searchSemantic(srv, r, req)
		case "hybrid":
			hits, err = searchHybrid(srv, r, req)
		default:
			respondError(w, http.StatusNotFound, "unknown search mode "+mode)
			return
		}
		if err != nil {
			srv.Logger.Error("search failed", "mode", mode, "error", err)
			respondError(w, http.StatusInternalServerError, "search failed: "+err.Error())
			return
		}
		if hits == nil {
			hits = []store.ChunkHit{}
		}
		respondJSON(w, http.StatusOK, searchResponse{Mode: mode, Query: req.Query, Hits: hits})
	})
}

// searchDocuments embeds the query and runs the legacy document-level KNN,
// returning whole documents instead of chunks.
func searchDocuments(srv *server.Server, r *http.Request, req searchRequest) ([]store.LibraryItem, error) {
	vec, err := srv.Embedder.EmbedSingle(r.Context(), req.Query)
	if err != nil {
		return nil, err
	}
	return srv.Store.SearchDocumentsSemantic(r.Context(),
		embeddings.SerializeFloat32(vec), req.Limit)
}

func searchSemantic(srv *server.Server, r *http.Request, req searchRequest) ([]store.ChunkHit, error) {
	vec, err := srv.Embedder.EmbedSingle(r.Context(), req.Query)
	if err != nil {
		return nil, err
	}
	return srv.Store.SearchChunksSemantic(r.Context(), store.SemanticQuery{
		Vector:     embeddings.SerializeFloat32(vec),
		Dimensions: len(vec),
		Provider:   srv.Embedder.Name(),
		Model:      srv.Embedder.ModelID(),
		K:          req.Limit,
		Category:   req.Category,
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
	})
}

// searchHybrid fuses lexical and semantic rankings with reciprocal rank
// fusion: each hit scores the sum of 1/(rrfK+rank) over the lists it
// appears in. A semantic failure (no embeddings yet, provider down)
// degrades to lexical-only results.
func searchHybrid(srv *server.Server, r *http.Request, req searchRequest) ([]store.ChunkHit, error) {
	lexical, err := srv.Store.SearchChunksLexical(r.Context(), req.Query, req.Category, req.Limit)
	if err != nil {
		return nil, err
	}
	semantic, err := searchSemantic(srv, r, req)
	if err != nil {
		srv.Logger.Warn("hybrid search: semantic leg failed, lexical only", "error", err)
		semantic = nil
	}

	type fused struct {
		hit   store.ChunkHit
		score float64
	}
	byChunk := make(map[int64]*fused)
	accumulate := func(hits []store.ChunkHit) {
		for rank, h := range hits {
			f, ok := byChunk[h.ChunkID]
			if !ok {
				f = &fused{hit: h}
				byChunk[h.ChunkID] = f
			}
			f.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	accumulate(lexical)
	accumulate(semantic)

	out := make([]store.ChunkHit, 0, len(byChunk))
	for _, f := range byChunk {
		f.hit.Score = f.score
		out = append(out, f.hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}
