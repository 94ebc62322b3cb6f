package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/ragengine/internal/retrieval"
)

// Payload keys stored with every point.
const (
	payloadDocumentID   = "document_id"
	payloadDocumentName = "document_name"
	payloadLink         = "link"
	payloadLocator      = "locator"
	payloadText         = "text"
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates a cosine collection of the given dimension if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert inserts or updates points in the collection
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: pointPayload(p),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// VectorSearch returns the k nearest points as candidates scored by cosine similarity.
func (s *QdrantStore) VectorSearch(ctx context.Context, vector []float32, k int) (retrieval.RankedList, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	list := make(retrieval.RankedList, 0, len(response))
	for _, point := range response {
		list = append(list, candidateFromPayload(point.Id.GetUuid(), point.Score, point.Payload))
	}
	return list, nil
}

// DeleteDocument removes chunks by document ID
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch(payloadDocumentID, documentID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}
	return nil
}

func pointPayload(p Point) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		payloadDocumentID:   qdrant.NewValueString(p.DocumentID),
		payloadDocumentName: qdrant.NewValueString(p.DocumentName),
		payloadLink:         qdrant.NewValueString(p.Link),
		payloadLocator:      qdrant.NewValueString(p.Locator),
		payloadText:         qdrant.NewValueString(p.Text),
	}
}

func candidateFromPayload(id string, score float32, payload map[string]*qdrant.Value) retrieval.Candidate {
	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return retrieval.Candidate{
		ChunkID:      id,
		DocumentID:   str(payloadDocumentID),
		DocumentName: str(payloadDocumentName),
		Link:         str(payloadLink),
		Locator:      str(payloadLocator),
		Text:         str(payloadText),
		Signals:      map[string]float64{retrieval.SignalVector: float64(score)},
	}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
