package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("testgen.vectorstore.qdrant")

const (
	backendQdrant = "qdrant"

	payloadRecordID = "record_id"
	payloadContent  = "content"
)

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// MaxRetries bounds retries of transient failures. Default 3.
	MaxRetries int
	// RetryBackoff is the first retry delay, doubled per attempt. Default 1s.
	RetryBackoff time.Duration
	// MaxMessageSize caps gRPC messages. Default 50MB.
	MaxMessageSize int
	// CircuitBreakerThreshold opens the breaker after this many consecutive
	// transient failures. Default 5.
	CircuitBreakerThreshold int
}

func (c *QdrantConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

func (c QdrantConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// QdrantStore implements Store on a remote Qdrant server.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	dims sync.Map // collection -> int

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantStore connects to Qdrant and verifies it is reachable.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	return s, nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// IsTransientError reports whether err is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		if s.circuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", op)
		}
		err := fn()
		if err == nil {
			s.resetBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return err
		}
		s.recordFailure()
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures++
	s.breaker.lastFail = time.Now()
}

func (s *QdrantStore) resetBreaker() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures = 0
}

func (s *QdrantStore) circuitOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.failures < s.config.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.breaker.lastFail) > 30*time.Second {
		s.breaker.failures = 0
		return false
	}
	return true
}

// dimension returns the collection's width, or 0 when it does not exist.
func (s *QdrantStore) dimension(ctx context.Context, collection string) (int, error) {
	if d, ok := s.dims.Load(collection); ok {
		return d.(int), nil
	}
	var size int
	err := s.retry(ctx, "get_collection_info", func() error {
		info, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return err
		}
		size = int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("getting collection info for %s: %w", collection, err)
	}
	if size > 0 {
		s.dims.Store(collection, size)
	}
	return size, nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	defer func(start time.Time) { observe(backendQdrant, "upsert", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("record_count", len(records)))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	width, err := batchWidth(collection, records)
	if err != nil {
		return err
	}

	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return err
	}
	switch {
	case dim == 0:
		err := s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(width),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return fmt.Errorf("creating collection %s: %w", collection, err)
		}
		s.dims.Store(collection, width)
		s.logger.Info("collection created", zap.String("collection", collection), zap.Int("vector_size", width))
	case dim != width:
		DimensionMismatches.WithLabelValues(backendQdrant).Inc()
		err := &DimensionMismatchError{Collection: collection, Want: dim, Got: width}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		payload := map[string]any{
			payloadRecordID:  r.ID,
			payloadContent:   r.Content,
			MetaDocumentID:   r.DocumentID,
			MetaDocumentName: r.DocumentName,
			MetaChunkIndex:   int64(r.ChunkIndex),
			MetaContentType:  r.ContentType,
			MetaCreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		}
		for k, v := range r.Metadata {
			if _, taken := payload[k]; !taken {
				payload[k] = v
			}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to %s: %w", collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// pointID maps a record ID onto a stable UUID so re-upserts replace points.
func pointID(recordID string) string {
	if _, err := uuid.Parse(recordID); err == nil {
		return recordID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID)).String()
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, collection string, q Query) (hits []Hit, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	defer func(start time.Time) { observe(backendQdrant, "search", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", q.TopK))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", q.TopK)
	}

	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, ErrCollectionNotFound
	}
	if len(q.Vector) != dim {
		return nil, &DimensionMismatchError{Collection: collection, Want: dim, Got: len(q.Vector)}
	}

	var filter *qdrant.Filter
	if len(q.DocumentIDs) > 0 {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatchKeywords(MetaDocumentID, q.DocumentIDs...),
		}}
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(q.Vector...),
			Limit:          qdrant.PtrOf(uint64(q.TopK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}

	hits = make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{Record: recordFromPayload(p.GetPayload()), Score: p.GetScore()})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func recordFromPayload(payload map[string]*qdrant.Value) Record {
	r := Record{Metadata: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case payloadRecordID:
			r.ID = v.GetStringValue()
		case payloadContent:
			r.Content = v.GetStringValue()
		case MetaDocumentID:
			r.DocumentID = v.GetStringValue()
		case MetaDocumentName:
			r.DocumentName = v.GetStringValue()
		case MetaChunkIndex:
			r.ChunkIndex = int(v.GetIntegerValue())
		case MetaContentType:
			r.ContentType = v.GetStringValue()
		case MetaCreatedAt:
			r.CreatedAt, _ = time.Parse(time.RFC3339, v.GetStringValue())
		default:
			switch kind := v.GetKind().(type) {
			case *qdrant.Value_StringValue:
				r.Metadata[k] = kind.StringValue
			case *qdrant.Value_IntegerValue:
				r.Metadata[k] = strconv.FormatInt(kind.IntegerValue, 10)
			case *qdrant.Value_DoubleValue:
				r.Metadata[k] = strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64)
			case *qdrant.Value_BoolValue:
				r.Metadata[k] = strconv.FormatBool(kind.BoolValue)
			}
		}
	}
	return r
}

// DeleteByDocument implements Store.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, collection, documentID string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteByDocument")
	defer span.End()
	defer func(start time.Time) { observe(backendQdrant, "delete", start, err) }(time.Now())

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	dim, err := s.dimension(ctx, collection)
	if err != nil || dim == 0 {
		return err
	}

	err = s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(MetaDocumentID, documentID)},
			}),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s from %s: %w", documentID, collection, err)
	}
	return nil
}

// Info implements Store.
func (s *QdrantStore) Info(ctx context.Context, collection string) (*CollectionInfo, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	var info *qdrant.CollectionInfo
	err := s.retry(ctx, "get_collection_info", func() error {
		res, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return err
		}
		info = res
		return nil
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("getting collection info for %s: %w", collection, err)
	}
	return &CollectionInfo{
		Name:       collection,
		PointCount: int(info.GetPointsCount()),
		VectorSize: int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// DeleteCollection implements Store.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	err := s.retry(ctx, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, collection)
	})
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", collection, err)
	}
	s.dims.Delete(collection)
	return nil
}
