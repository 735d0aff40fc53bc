package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"castpipe/internal/config"
)

const (
	payloadItemID         = "item_id"
	payloadPodcast        = "podcast"
	payloadSequenceNumber = "sequence_number"
	payloadChunkIndex     = "chunk_index"
	payloadTotalChunks    = "total_chunks"
	payloadText           = "text"
)

// Qdrant implements Index against a Qdrant collection.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
}

// NewQdrant connects to Qdrant using the configured host and credentials.
func NewQdrant(cfg config.Qdrant, dimension int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	return &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dimension:  uint64(dimension),
	}, nil
}

// Close releases the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

// EnsureCollection creates the collection and its item_id payload index if
// they do not exist yet. Safe to call on every startup.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      payloadItemID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("index %s payload field: %w", payloadItemID, err)
	}
	return nil
}

// Count returns the exact number of chunks stored for one item.
func (q *Qdrant) Count(ctx context.Context, itemID string) (int, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         itemFilter(itemID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count chunks for %s: %w", itemID, err)
	}
	return int(count), nil
}

// scrollPageSize bounds one Scroll call; scrollAll pages past it.
const scrollPageSize = 1000

// scrollAll drains a scroll cursor, requesting pages until one comes back
// short. The offset passed to fetch is the last point of the previous page.
func scrollAll(fetch func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error)) ([]*qdrant.RetrievedPoint, error) {
	var points []*qdrant.RetrievedPoint
	var offset *qdrant.PointId
	for {
		page, err := fetch(offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		points = append(points, page...)
		if len(page) < scrollPageSize {
			break
		}
		offset = page[len(page)-1].GetId()
	}
	return points, nil
}

// FetchChunks retrieves every stored chunk for an item, ordered by chunk
// index, with payload and vectors included.
func (q *Qdrant) FetchChunks(ctx context.Context, itemID string) ([]ChunkRecord, error) {
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		page, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter:         itemFilter(itemID),
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("fetch chunks for %s: %w", itemID, err)
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]ChunkRecord, 0, len(points))
	for _, point := range points {
		record := ChunkRecord{ItemID: itemID}
		payload := point.GetPayload()
		if v, ok := payload[payloadPodcast]; ok {
			record.Podcast = v.GetStringValue()
		}
		if v, ok := payload[payloadSequenceNumber]; ok {
			record.SequenceNumber = v.GetIntegerValue()
		}
		if v, ok := payload[payloadChunkIndex]; ok {
			record.ChunkIndex = int(v.GetIntegerValue())
		}
		if v, ok := payload[payloadTotalChunks]; ok {
			record.TotalChunks = int(v.GetIntegerValue())
		}
		if v, ok := payload[payloadText]; ok {
			record.Text = v.GetStringValue()
		}
		if vectors := point.GetVectors(); vectors != nil {
			if vec := vectors.GetVector(); vec != nil {
				record.Vector = vec.GetData()
			}
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ChunkIndex < records[j].ChunkIndex })
	return records, nil
}

// ReplaceChunks removes every chunk stored for the item and writes the new
// set. Both operations wait for completion so a successful return means the
// index holds exactly the supplied chunks.
func (q *Qdrant) ReplaceChunks(ctx context.Context, itemID string, records []ChunkRecord) error {
	if err := q.DeleteItem(ctx, itemID); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, record := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(itemID, record.ChunkIndex)),
			Vectors: qdrant.NewVectors(record.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadItemID:         itemID,
				payloadPodcast:        record.Podcast,
				payloadSequenceNumber: record.SequenceNumber,
				payloadChunkIndex:     int64(record.ChunkIndex),
				payloadTotalChunks:    int64(record.TotalChunks),
				payloadText:           record.Text,
			}),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert chunks for %s: %w", itemID, err)
	}
	return nil
}

// DeleteItem removes every chunk stored for one item.
func (q *Qdrant) DeleteItem(ctx context.Context, itemID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorFilter(itemFilter(itemID)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete chunks for %s: %w", itemID, err)
	}
	return nil
}

// ListItemIDs enumerates the distinct item IDs present in the collection by
// scrolling payloads. Used by the reconciler to detect orphaned chunks.
func (q *Qdrant) ListItemIDs(ctx context.Context) ([]string, error) {
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		page, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude(payloadItemID),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll collection: %w", err)
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, point := range points {
		if v, ok := point.GetPayload()[payloadItemID]; ok {
			seen[v.GetStringValue()] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// itemFilter matches every point belonging to one item.
func itemFilter(itemID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadItemID, itemID)},
	}
}

// PointID derives a stable point identifier from the item ID and chunk
// index, so re-upserting the same chunk overwrites rather than duplicates.
func PointID(itemID string, chunkIndex int) string {
	name := fmt.Sprintf("%s/%d", itemID, chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
