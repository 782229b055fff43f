package graph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// RedisGraphConfig parameterizes the RedisGraph backend.
type RedisGraphConfig struct {
	Addr string
	// Username is the ACL user; empty means the default user.
	Username      string
	Password      string
	DB            int
	GraphKey      string
	MaxConcurrent int
}

// DefaultRedisGraphConfig returns the connection defaults.
func DefaultRedisGraphConfig() RedisGraphConfig {
	return RedisGraphConfig{
		Addr:          "localhost:6379",
		GraphKey:      "chronograph",
		MaxConcurrent: 16,
	}
}

// RedisGraphStore implements GraphStore over the RedisGraph module.
// Facts are reified as :Fact nodes linked to their endpoints with FROM
// and TO relationships, mirroring the Dgraph layout so the resolver and
// syncer see the same shape from both backends. Every query projects
// scalar properties only; the reply parser never decodes node objects.
type RedisGraphStore struct {
	rdb    *redis.Client
	cfg    RedisGraphConfig
	logger *zap.Logger
	sem    semaphore
	vindex *vectorIndex
}

// NewRedisGraphStore connects, creates the property indexes, and
// prepares the vector index.
func NewRedisGraphStore(ctx context.Context, cfg RedisGraphConfig, logger *zap.Logger) (*RedisGraphStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("redisgraph")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	s := &RedisGraphStore{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		sem:    newSemaphore(cfg.MaxConcurrent),
	}

	indexes := []string{
		"CREATE INDEX ON :Entity(uuid)",
		"CREATE INDEX ON :Entity(normalized_name)",
		"CREATE INDEX ON :Entity(group_id)",
		"CREATE INDEX ON :Episode(uuid)",
		"CREATE INDEX ON :Episode(group_id)",
		"CREATE INDEX ON :Fact(uuid)",
		"CREATE INDEX ON :Fact(group_id)",
	}
	for _, q := range indexes {
		if _, err := s.query(ctx, q, nil); err != nil &&
			!strings.Contains(err.Error(), "already indexed") {
			rdb.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	var err error
	s.vindex, err = newVectorIndex(func(ctx context.Context, groupID string) ([]vectorEntry, error) {
		return loadGroupVectors(ctx, s, groupID, 500)
	}, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	logger.Info("RedisGraph store connected",
		zap.String("addr", cfg.Addr),
		zap.String("graph", cfg.GraphKey))
	return s, nil
}

// rgResult is a parsed GRAPH.QUERY verbose reply.
type rgResult struct {
	Columns []string
	Rows    [][]interface{}
	Stats   []string
}

// encodeCypherParam renders one value for the CYPHER parameter prefix.
func encodeCypherParam(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
		return "'" + r.Replace(t) + "'"
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return "'" + t.UTC().Format(time.RFC3339) + "'"
	case []string:
		parts := make([]string, len(t))
		for i, s := range t {
			parts[i] = encodeCypherParam(s)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("'%v'", t)
	}
}

// query runs one GRAPH.QUERY round trip with inline parameters.
func (s *RedisGraphStore) query(ctx context.Context, cypher string, params map[string]interface{}) (*rgResult, error) {
	full := cypher
	if len(params) > 0 {
		var b strings.Builder
		b.WriteString("CYPHER")
		for k, v := range params {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(encodeCypherParam(v))
		}
		b.WriteByte(' ')
		b.WriteString(cypher)
		full = b.String()
	}
	raw, err := s.rdb.Do(ctx, "GRAPH.QUERY", s.cfg.GraphKey, full).Result()
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("graph query: %w", err))
	}
	return parseGraphReply(raw)
}

// parseGraphReply decodes the three-element verbose reply: header,
// rows, statistics. Queries with no RETURN clause reply with the
// statistics block only.
func parseGraphReply(raw interface{}) (*rgResult, error) {
	top, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected graph reply type %T", raw)
	}
	result := &rgResult{}
	if len(top) == 1 {
		result.Stats = toStringSlice(top[0])
		return result, nil
	}
	if len(top) != 3 {
		return nil, fmt.Errorf("unexpected graph reply arity %d", len(top))
	}
	result.Columns = toStringSlice(top[0])
	rows, ok := top[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected graph row block type %T", top[1])
	}
	for _, r := range rows {
		row, ok := r.([]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected graph row type %T", r)
		}
		result.Rows = append(result.Rows, row)
	}
	result.Stats = toStringSlice(top[2])
	return result, nil
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, asString(it))
	}
	return out
}

// statsValue extracts the integer after "label: " in the stats block.
func statsValue(stats []string, label string) int {
	for _, line := range stats {
		if strings.HasPrefix(line, label+": ") {
			n, err := strconv.Atoi(strings.TrimPrefix(line, label+": "))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}

func asTime(v interface{}) time.Time {
	s := asString(v)
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func asTimePtr(v interface{}) *time.Time {
	t := asTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

const rgEntityFields = `n.uuid, n.group_id, n.name, n.normalized_name, n.summary, n.labels_json, n.attributes_json, n.name_embedding_json, n.pending_embedding, n.importance, n.pagerank, n.degree, n.betweenness, n.created_at`

func parseEntityRow(row []interface{}) (*EntityNode, error) {
	if len(row) < 14 {
		return nil, fmt.Errorf("short entity row: %d columns", len(row))
	}
	node := &EntityNode{
		UUID:             asString(row[0]),
		GroupID:          asString(row[1]),
		Name:             asString(row[2]),
		NormalizedName:   asString(row[3]),
		Summary:          asString(row[4]),
		PendingEmbedding: asBool(row[8]),
		Centrality: Centrality{
			Importance:  asFloat(row[9]),
			Pagerank:    asFloat(row[10]),
			Degree:      asFloat(row[11]),
			Betweenness: asFloat(row[12]),
		},
		CreatedAt: asTime(row[13]),
	}
	if s := asString(row[5]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &node.Labels)
	}
	if s := asString(row[6]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &node.Attributes)
	}
	if s := asString(row[7]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &node.NameEmbedding)
	}
	return node, nil
}

const rgEdgeFields = `f.uuid, f.group_id, f.name, f.fact, f.fact_embedding_json, f.episodes_json, f.valid_at, f.invalid_at, f.expired_at, f.created_at, s.uuid, t.uuid`

func parseEdgeRow(row []interface{}) (*EntityEdge, error) {
	if len(row) < 12 {
		return nil, fmt.Errorf("short fact row: %d columns", len(row))
	}
	edge := &EntityEdge{
		UUID:           asString(row[0]),
		GroupID:        asString(row[1]),
		Name:           asString(row[2]),
		Fact:           asString(row[3]),
		ValidAt:        asTimePtr(row[6]),
		InvalidAt:      asTimePtr(row[7]),
		ExpiredAt:      asTimePtr(row[8]),
		CreatedAt:      asTime(row[9]),
		SourceNodeUUID: asString(row[10]),
		TargetNodeUUID: asString(row[11]),
	}
	if s := asString(row[4]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &edge.FactEmbedding)
	}
	if s := asString(row[5]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &edge.Episodes)
	}
	return edge, nil
}

// UpsertEntityNodes MERGEs each node by uuid. RedisGraph serializes
// writes per key, so there is no abort path to retry.
func (s *RedisGraphStore) UpsertEntityNodes(ctx context.Context, nodes []*EntityNode) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	for _, n := range nodes {
		if n.UUID == "" {
			n.UUID = uuid.NewString()
		}
		labelsJSON, _ := jsonx.MarshalToString(n.Labels)
		attrsJSON := "{}"
		if n.Attributes != nil {
			raw, err := jsonx.MarshalToString(n.Attributes)
			if err != nil {
				return fmt.Errorf("marshal attributes for %s: %w", n.UUID, err)
			}
			attrsJSON = raw
		}
		embJSON := ""
		pending := true
		if len(n.NameEmbedding) > 0 {
			raw, err := jsonx.MarshalToString(n.NameEmbedding)
			if err != nil {
				return fmt.Errorf("marshal embedding for %s: %w", n.UUID, err)
			}
			embJSON = raw
			pending = false
		}
		created := n.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		params := map[string]interface{}{
			"uuid":     n.UUID,
			"group":    n.GroupID,
			"name":     n.Name,
			"norm":     n.NormalizedName,
			"summary":  ClampSummary(n.Summary),
			"labels":   labelsJSON,
			"attrs":    attrsJSON,
			"emb":      embJSON,
			"pending":  pending,
			"imp":      n.Centrality.Importance,
			"created":  created,
		}
		_, err := s.query(ctx, `MERGE (n:Entity {uuid: $uuid})
			SET n.group_id = $group, n.name = $name, n.normalized_name = $norm,
			    n.summary = $summary, n.labels_json = $labels, n.attributes_json = $attrs,
			    n.name_embedding_json = $emb, n.pending_embedding = $pending,
			    n.importance = $imp, n.created_at = $created`, params)
		if err != nil {
			return err
		}
	}

	seen := map[string]bool{}
	for _, n := range nodes {
		if !seen[n.GroupID] {
			seen[n.GroupID] = true
			s.vindex.invalidate(n.GroupID)
		}
	}
	s.vindex.invalidate("")
	return nil
}

// FetchNodeByUUID returns (nil, nil) when no node matches.
func (s *RedisGraphStore) FetchNodeByUUID(ctx context.Context, id string) (*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx,
		fmt.Sprintf(`MATCH (n:Entity {uuid: $uuid}) RETURN %s`, rgEntityFields),
		map[string]interface{}{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return parseEntityRow(res.Rows[0])
}

// FetchNodesByNormalizedNames batches the exact-match lookup.
// groupID=="" widens the scan to every group.
func (s *RedisGraphStore) FetchNodesByNormalizedNames(ctx context.Context, groupID string, names []string) (map[string][]*EntityNode, error) {
	if len(names) == 0 {
		return map[string][]*EntityNode{}, nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	where := ""
	params := map[string]interface{}{"names": names}
	if groupID != "" {
		where = " AND n.group_id = $group"
		params["group"] = groupID
	}
	res, err := s.query(ctx, fmt.Sprintf(`UNWIND $names AS nm
		MATCH (n:Entity) WHERE n.normalized_name = nm%s RETURN %s`, where, rgEntityFields), params)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*EntityNode)
	for _, row := range res.Rows {
		node, err := parseEntityRow(row)
		if err != nil {
			return nil, err
		}
		out[node.NormalizedName] = append(out[node.NormalizedName], node)
	}
	return out, nil
}

// FetchNodesByGroup pages entities ordered by (created_at, uuid).
func (s *RedisGraphStore) FetchNodesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	conds := []string{}
	params := map[string]interface{}{}
	if groupID != "" {
		conds = append(conds, "n.group_id = $group")
		params["group"] = groupID
	}
	if !createdAfter.IsZero() {
		conds = append(conds, "n.created_at > $after")
		params["after"] = createdAfter
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := s.query(ctx, fmt.Sprintf(`MATCH (n:Entity)%s RETURN %s
		ORDER BY n.created_at ASC, n.uuid ASC SKIP %d LIMIT %d`,
		where, rgEntityFields, offset, limit), params)
	if err != nil {
		return nil, err
	}
	out := make([]*EntityNode, 0, len(res.Rows))
	for _, row := range res.Rows {
		node, err := parseEntityRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

// UpdateNodeSummary sets the summary and returns the updated row.
func (s *RedisGraphStore) UpdateNodeSummary(ctx context.Context, id, summary string) (*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (n:Entity {uuid: $uuid}) SET n.summary = $summary RETURN n.uuid`,
		map[string]interface{}{"uuid": id, "summary": ClampSummary(summary)})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, ErrNotFound
	}
	return s.fetchNodeLocked(ctx, id)
}

// fetchNodeLocked is FetchNodeByUUID for callers already holding a slot.
func (s *RedisGraphStore) fetchNodeLocked(ctx context.Context, id string) (*EntityNode, error) {
	res, err := s.query(ctx,
		fmt.Sprintf(`MATCH (n:Entity {uuid: $uuid}) RETURN %s`, rgEntityFields),
		map[string]interface{}{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return parseEntityRow(res.Rows[0])
}

// UpdateNodeAttributes merges attrs into attributes_json. The
// read-modify-write is not transactional; the last writer wins.
func (s *RedisGraphStore) UpdateNodeAttributes(ctx context.Context, id string, attrs map[string]interface{}) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (n:Entity {uuid: $uuid}) RETURN n.attributes_json`,
		map[string]interface{}{"uuid": id})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return ErrNotFound
	}
	merged := map[string]interface{}{}
	if s0 := asString(res.Rows[0][0]); s0 != "" {
		_ = jsonx.UnmarshalFromString(s0, &merged)
	}
	for k, v := range attrs {
		merged[k] = v
	}
	raw, err := jsonx.MarshalToString(merged)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	set := "SET n.attributes_json = $attrs"
	params := map[string]interface{}{"uuid": id, "attrs": raw}
	if imp, ok := merged["importance_score"]; ok {
		if f, ok := imp.(float64); ok {
			set += ", n.importance = $imp"
			params["imp"] = f
		}
	}
	_, err = s.query(ctx, `MATCH (n:Entity {uuid: $uuid}) `+set, params)
	return err
}

// UpsertEntityEdges writes fact nodes and their endpoint relationships.
func (s *RedisGraphStore) UpsertEntityEdges(ctx context.Context, edges []*EntityEdge) error {
	if len(edges) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	for _, e := range edges {
		if e.UUID == "" {
			e.UUID = uuid.NewString()
		}
		embJSON := ""
		if len(e.FactEmbedding) > 0 {
			raw, err := jsonx.MarshalToString(e.FactEmbedding)
			if err != nil {
				return fmt.Errorf("marshal fact embedding for %s: %w", e.UUID, err)
			}
			embJSON = raw
		}
		episodesJSON, _ := jsonx.MarshalToString(e.Episodes)
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		params := map[string]interface{}{
			"uuid":     e.UUID,
			"group":    e.GroupID,
			"name":     e.Name,
			"fact":     e.Fact,
			"emb":      embJSON,
			"episodes": episodesJSON,
			"src":      e.SourceNodeUUID,
			"tgt":      e.TargetNodeUUID,
			"created":  created,
		}
		set := `f.group_id = $group, f.name = $name, f.fact = $fact,
			f.fact_embedding_json = $emb, f.episodes_json = $episodes, f.created_at = $created`
		if e.ValidAt != nil {
			set += ", f.valid_at = $valid"
			params["valid"] = *e.ValidAt
		}
		if e.InvalidAt != nil {
			set += ", f.invalid_at = $invalid"
			params["invalid"] = *e.InvalidAt
		}
		res, err := s.query(ctx, `MATCH (s:Entity {uuid: $src}), (t:Entity {uuid: $tgt})
			MERGE (f:Fact {uuid: $uuid})
			MERGE (f)-[:FROM]->(s)
			MERGE (f)-[:TO]->(t)
			SET `+set+` RETURN f.uuid`, params)
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			return fault.Permanent(fmt.Errorf("edge %s: endpoints %s/%s not found",
				e.UUID, e.SourceNodeUUID, e.TargetNodeUUID))
		}
	}
	return nil
}

// FetchEdgeByUUID returns (nil, nil) when no fact matches.
func (s *RedisGraphStore) FetchEdgeByUUID(ctx context.Context, id string) (*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, fmt.Sprintf(`MATCH (s:Entity)<-[:FROM]-(f:Fact {uuid: $uuid})-[:TO]->(t:Entity)
		RETURN %s`, rgEdgeFields), map[string]interface{}{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return parseEdgeRow(res.Rows[0])
}

// FetchEdgesBetween lists facts from source to target.
func (s *RedisGraphStore) FetchEdgesBetween(ctx context.Context, sourceUUID, targetUUID string) ([]*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, fmt.Sprintf(`MATCH (s:Entity {uuid: $src})<-[:FROM]-(f:Fact)-[:TO]->(t:Entity {uuid: $tgt})
		RETURN %s`, rgEdgeFields),
		map[string]interface{}{"src": sourceUUID, "tgt": targetUUID})
	if err != nil {
		return nil, err
	}
	out := make([]*EntityEdge, 0, len(res.Rows))
	for _, row := range res.Rows {
		edge, err := parseEdgeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, nil
}

// FetchEdgesByNode lists facts in either direction, split by role.
func (s *RedisGraphStore) FetchEdgesByNode(ctx context.Context, id string) (*NodeEdges, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	ne := &NodeEdges{}
	res, err := s.query(ctx, fmt.Sprintf(`MATCH (s:Entity {uuid: $uuid})<-[:FROM]-(f:Fact)-[:TO]->(t:Entity)
		RETURN %s`, rgEdgeFields), map[string]interface{}{"uuid": id})
	if err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		edge, err := parseEdgeRow(row)
		if err != nil {
			return nil, err
		}
		ne.SourceEdges = append(ne.SourceEdges, edge)
		ne.Edges = append(ne.Edges, edge)
	}
	res, err = s.query(ctx, fmt.Sprintf(`MATCH (s:Entity)<-[:FROM]-(f:Fact)-[:TO]->(t:Entity {uuid: $uuid})
		RETURN %s`, rgEdgeFields), map[string]interface{}{"uuid": id})
	if err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		edge, err := parseEdgeRow(row)
		if err != nil {
			return nil, err
		}
		ne.TargetEdges = append(ne.TargetEdges, edge)
		ne.Edges = append(ne.Edges, edge)
	}
	return ne, nil
}

// FetchEdgesByGroup pages facts ordered by (created_at, uuid).
func (s *RedisGraphStore) FetchEdgesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	conds := []string{}
	params := map[string]interface{}{}
	if groupID != "" {
		conds = append(conds, "f.group_id = $group")
		params["group"] = groupID
	}
	if !createdAfter.IsZero() {
		conds = append(conds, "f.created_at > $after")
		params["after"] = createdAfter
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := s.query(ctx, fmt.Sprintf(`MATCH (s:Entity)<-[:FROM]-(f:Fact)-[:TO]->(t:Entity)%s
		RETURN %s ORDER BY f.created_at ASC, f.uuid ASC SKIP %d LIMIT %d`,
		where, rgEdgeFields, offset, limit), params)
	if err != nil {
		return nil, err
	}
	out := make([]*EntityEdge, 0, len(res.Rows))
	for _, row := range res.Rows {
		edge, err := parseEdgeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, nil
}

// InvalidateEdge closes a fact's validity window without deleting it.
func (s *RedisGraphStore) InvalidateEdge(ctx context.Context, id string, invalidAt time.Time) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (f:Fact {uuid: $uuid})
		SET f.invalid_at = $invalid, f.expired_at = $expired RETURN f.uuid`,
		map[string]interface{}{"uuid": id, "invalid": invalidAt, "expired": time.Now().UTC()})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEdge removes a fact node entirely.
func (s *RedisGraphStore) DeleteEdge(ctx context.Context, id string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (f:Fact {uuid: $uuid}) DETACH DELETE f`,
		map[string]interface{}{"uuid": id})
	if err != nil {
		return err
	}
	if statsValue(res.Stats, "Nodes deleted") == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEpisode persists an immutable episode row.
func (s *RedisGraphStore) CreateEpisode(ctx context.Context, ep *Episode) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	if ep.UUID == "" {
		ep.UUID = uuid.NewString()
	}
	metaJSON := "{}"
	if ep.Metadata != nil {
		raw, err := jsonx.MarshalToString(ep.Metadata)
		if err != nil {
			return fmt.Errorf("marshal episode metadata: %w", err)
		}
		metaJSON = raw
	}
	created := ep.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.query(ctx, `MERGE (e:Episode {uuid: $uuid})
		SET e.group_id = $group, e.name = $name, e.content = $content,
		    e.role = $role, e.role_type = $roleType, e.source = $source,
		    e.source_description = $sourceDesc, e.timestamp = $ts,
		    e.metadata_json = $meta, e.created_at = $created`,
		map[string]interface{}{
			"uuid":       ep.UUID,
			"group":      ep.GroupID,
			"name":       ep.Name,
			"content":    ep.Content,
			"role":       ep.Role,
			"roleType":   ep.RoleType,
			"source":     ep.Source,
			"sourceDesc": ep.SourceDescription,
			"ts":         ep.Timestamp,
			"meta":       metaJSON,
			"created":    created,
		})
	return err
}

// EpisodeExists is the worker's idempotence probe.
func (s *RedisGraphStore) EpisodeExists(ctx context.Context, id string) (bool, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return false, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (e:Episode {uuid: $uuid}) RETURN e.uuid LIMIT 1`,
		map[string]interface{}{"uuid": id})
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

const rgEpisodeFields = `e.uuid, e.group_id, e.name, e.content, e.role, e.role_type, e.source, e.source_description, e.timestamp, e.metadata_json, e.created_at`

func parseEpisodeRow(row []interface{}) (*Episode, error) {
	if len(row) < 11 {
		return nil, fmt.Errorf("short episode row: %d columns", len(row))
	}
	ep := &Episode{
		UUID:              asString(row[0]),
		GroupID:           asString(row[1]),
		Name:              asString(row[2]),
		Content:           asString(row[3]),
		Role:              asString(row[4]),
		RoleType:          asString(row[5]),
		Source:            asString(row[6]),
		SourceDescription: asString(row[7]),
		Timestamp:         asTime(row[8]),
		CreatedAt:         asTime(row[10]),
	}
	if s := asString(row[9]); s != "" {
		_ = jsonx.UnmarshalFromString(s, &ep.Metadata)
	}
	return ep, nil
}

// RecentEpisodes returns the group's last N episodes, newest first.
func (s *RedisGraphStore) RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*Episode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, fmt.Sprintf(`MATCH (e:Episode) WHERE e.group_id = $group
		RETURN %s ORDER BY e.timestamp DESC LIMIT %d`, rgEpisodeFields, lastN),
		map[string]interface{}{"group": groupID})
	if err != nil {
		return nil, err
	}
	out := make([]*Episode, 0, len(res.Rows))
	for _, row := range res.Rows {
		ep, err := parseEpisodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// DeleteEpisode removes one episode row and its mentions edges.
func (s *RedisGraphStore) DeleteEpisode(ctx context.Context, id string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (e:Episode {uuid: $uuid}) DETACH DELETE e`,
		map[string]interface{}{"uuid": id})
	if err != nil {
		return err
	}
	if statsValue(res.Stats, "Nodes deleted") == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMentions links an episode to the entities it produced.
func (s *RedisGraphStore) CreateMentions(ctx context.Context, episodeUUID string, nodeUUIDs []string) error {
	if len(nodeUUIDs) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	_, err := s.query(ctx, `UNWIND $nodes AS nu
		MATCH (e:Episode {uuid: $episode}), (n:Entity {uuid: nu})
		MERGE (e)-[:MENTIONS]->(n)`,
		map[string]interface{}{"episode": episodeUUID, "nodes": nodeUUIDs})
	return err
}

// CreateDuplicateOf records cross-group canonicality.
func (s *RedisGraphStore) CreateDuplicateOf(ctx context.Context, fromUUID, toUUID string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (a:Entity {uuid: $from}), (b:Entity {uuid: $to})
		MERGE (a)-[:IS_DUPLICATE_OF]->(b) RETURN a.uuid`,
		map[string]interface{}{"from": fromUUID, "to": toUUID})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return fault.Permanent(fmt.Errorf("duplicate endpoints %s/%s not found", fromUUID, toUUID))
	}
	return nil
}

// DuplicateOfTarget returns the canonical uuid one hop away, or "".
func (s *RedisGraphStore) DuplicateOfTarget(ctx context.Context, id string) (string, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return "", err
	}
	defer s.sem.release()

	res, err := s.query(ctx, `MATCH (n:Entity {uuid: $uuid})-[:IS_DUPLICATE_OF]->(m:Entity) RETURN m.uuid`,
		map[string]interface{}{"uuid": id})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", nil
	}
	return asString(res.Rows[0][0]), nil
}

// SearchByVector scores the group's embedding matrix and returns full
// rows above minScore, best first.
func (s *RedisGraphStore) SearchByVector(ctx context.Context, groupID string, vector []float32, topK int, minScore float64) ([]ScoredNode, error) {
	scored, err := s.vindex.search(ctx, groupID, vector, topK, minScore)
	if err != nil {
		return nil, err
	}
	return hydrateScored(ctx, s, scored)
}

// DeleteGroup drops every row in the namespace.
func (s *RedisGraphStore) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	_, err := s.query(ctx, `MATCH (n) WHERE n.group_id = $group DETACH DELETE n`,
		map[string]interface{}{"group": groupID})
	if err != nil {
		return err
	}
	s.vindex.invalidate(groupID)
	s.vindex.invalidate("")
	return nil
}

func (s *RedisGraphStore) countLabel(ctx context.Context, label, groupID string) (int, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.sem.release()

	where := ""
	params := map[string]interface{}{}
	if groupID != "" {
		where = " WHERE n.group_id = $group"
		params["group"] = groupID
	}
	res, err := s.query(ctx, fmt.Sprintf(`MATCH (n:%s)%s RETURN count(n)`, label, where), params)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	return int(asFloat(res.Rows[0][0])), nil
}

// CountNodes counts entities in a group ("" counts all).
func (s *RedisGraphStore) CountNodes(ctx context.Context, groupID string) (int, error) {
	return s.countLabel(ctx, "Entity", groupID)
}

// CountEdges counts facts in a group ("" counts all).
func (s *RedisGraphStore) CountEdges(ctx context.Context, groupID string) (int, error) {
	return s.countLabel(ctx, "Fact", groupID)
}

// TruncateAll deletes the graph key. The next query recreates it.
func (s *RedisGraphStore) TruncateAll(ctx context.Context) error {
	err := s.rdb.Do(ctx, "GRAPH.DELETE", s.cfg.GraphKey).Err()
	if err != nil && !strings.Contains(err.Error(), "Invalid graph operation on empty key") {
		return fault.Transient(fmt.Errorf("graph delete: %w", err))
	}
	return nil
}

// ExecuteQuery runs raw Cypher and maps rows by column name.
func (s *RedisGraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (*QueryResult, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	res, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Keys: res.Columns}
	for _, row := range res.Rows {
		rec := Record{}
		for i, col := range res.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// Health runs a cheap probe query.
func (s *RedisGraphStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.query(ctx, "RETURN 1", nil); err != nil {
		return fmt.Errorf("redisgraph health: %w", err)
	}
	return nil
}

// Close tears down the vector cache and the redis connection.
func (s *RedisGraphStore) Close() error {
	s.vindex.close()
	return s.rdb.Close()
}
