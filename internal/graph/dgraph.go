package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// DgraphConfig parameterizes the Dgraph backend.
type DgraphConfig struct {
	Address       string
	MaxRetries    int
	RetryDelay    time.Duration
	QueryTimeout  time.Duration
	MaxConcurrent int
}

// DefaultDgraphConfig returns the connection defaults.
func DefaultDgraphConfig() DgraphConfig {
	return DgraphConfig{
		Address:       "localhost:9080",
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
		QueryTimeout:  30 * time.Second,
		MaxConcurrent: 16,
	}
}

// DgraphStore implements GraphStore over dgo. Entities, episodes, and
// facts are discriminated by a `kind` predicate; facts are reified nodes
// so they can carry embeddings and temporal fields.
type DgraphStore struct {
	dg     *dgo.Dgraph
	conn   *grpc.ClientConn
	cfg    DgraphConfig
	logger *zap.Logger
	sem    semaphore
	vindex *vectorIndex
}

const dgraphSchema = `
	uuid: string @index(exact) @upsert .
	kind: string @index(exact) .
	group_id: string @index(exact) .
	name: string @index(exact, term) .
	normalized_name: string @index(exact) .
	summary: string .
	labels: [string] .
	attributes_json: string .
	name_embedding_json: string .
	pending_embedding: bool .
	importance_score: float .
	pagerank: float .
	degree: float .
	betweenness: float .
	created_at: datetime @index(hour) .
	content: string .
	role: string .
	role_type: string .
	source: string .
	source_description: string .
	timestamp: datetime @index(hour) .
	metadata_json: string .
	mentions: [uid] @reverse .
	fact: string .
	fact_embedding_json: string .
	fact_source: uid @reverse .
	fact_target: uid @reverse .
	valid_at: datetime .
	invalid_at: datetime .
	expired_at: datetime .
	episode_uuids: [string] .
	is_duplicate_of: uid @reverse .
`

// NewDgraphStore connects with retries, applies the schema, and
// prepares the vector index.
func NewDgraphStore(ctx context.Context, cfg DgraphConfig, logger *zap.Logger) (*DgraphStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dgraph")

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.QueryTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to DGraph, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DGraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	s := &DgraphStore{
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		sem:    newSemaphore(cfg.MaxConcurrent),
	}

	if err := s.dg.Alter(ctx, &api.Operation{Schema: dgraphSchema}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.vindex, err = newVectorIndex(func(ctx context.Context, groupID string) ([]vectorEntry, error) {
		return loadGroupVectors(ctx, s, groupID, 500)
	}, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("DGraph store connected", zap.String("address", cfg.Address))
	return s, nil
}

// timeoutInterceptor adds a per-call deadline when the caller has none.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// escapeNQuad makes a string safe inside a quoted NQuad literal.
func escapeNQuad(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return r.Replace(s)
}

func classifyDgraphErr(err error) error {
	if err == nil {
		return nil
	}
	if err == dgo.ErrAborted || strings.Contains(err.Error(), "Transaction has been aborted") {
		return fault.Conflict(err)
	}
	return fault.Transient(err)
}

// uidsByUUID resolves entity/episode/fact uuids to dgraph uids inside txn.
func (s *DgraphStore) uidsByUUID(ctx context.Context, txn *dgo.Txn, uuids []string) (map[string]string, error) {
	if len(uuids) == 0 {
		return map[string]string{}, nil
	}
	quoted := make([]string, len(uuids))
	for i, u := range uuids {
		quoted[i] = fmt.Sprintf("%q", u)
	}
	q := fmt.Sprintf(`{ q(func: eq(uuid, [%s])) { uid uuid } }`, strings.Join(quoted, ", "))
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Q []struct {
			UID  string `json:"uid"`
			UUID string `json:"uuid"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse uid lookup: %w", err)
	}
	out := make(map[string]string, len(result.Q))
	for _, row := range result.Q {
		out[row.UUID] = row.UID
	}
	return out, nil
}

// dgraphNode is the wire shape for entity rows.
type dgraphNode struct {
	UID            string    `json:"uid"`
	UUID           string    `json:"uuid"`
	GroupID        string    `json:"group_id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Summary        string    `json:"summary"`
	Labels         []string  `json:"labels"`
	AttributesJSON string    `json:"attributes_json"`
	EmbeddingJSON  string    `json:"name_embedding_json"`
	Pending        bool      `json:"pending_embedding"`
	Importance     float64   `json:"importance_score"`
	Pagerank       float64   `json:"pagerank"`
	Degree         float64   `json:"degree"`
	Betweenness    float64   `json:"betweenness"`
	CreatedAt      time.Time `json:"created_at"`
}

const dgraphNodeFields = `uid uuid group_id name normalized_name summary labels attributes_json name_embedding_json pending_embedding importance_score pagerank degree betweenness created_at`

func (n *dgraphNode) toEntityNode() *EntityNode {
	node := &EntityNode{
		UUID:             n.UUID,
		GroupID:          n.GroupID,
		Name:             n.Name,
		NormalizedName:   n.NormalizedName,
		Summary:          n.Summary,
		Labels:           n.Labels,
		PendingEmbedding: n.Pending,
		Centrality: Centrality{
			Pagerank:    n.Pagerank,
			Degree:      n.Degree,
			Betweenness: n.Betweenness,
			Importance:  n.Importance,
		},
		CreatedAt: n.CreatedAt,
	}
	if n.AttributesJSON != "" {
		_ = jsonx.UnmarshalFromString(n.AttributesJSON, &node.Attributes)
	}
	if n.EmbeddingJSON != "" {
		_ = jsonx.UnmarshalFromString(n.EmbeddingJSON, &node.NameEmbedding)
	}
	return node
}

func (s *DgraphStore) appendNodeNQuads(b *strings.Builder, subject string, n *EntityNode) error {
	attrsJSON := "{}"
	if n.Attributes != nil {
		raw, err := jsonx.Marshal(n.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes for %s: %w", n.UUID, err)
		}
		attrsJSON = string(raw)
	}
	fmt.Fprintf(b, "%s <uuid> %q .\n", subject, n.UUID)
	fmt.Fprintf(b, "%s <kind> \"entity\" .\n", subject)
	fmt.Fprintf(b, "%s <group_id> %q .\n", subject, n.GroupID)
	fmt.Fprintf(b, "%s <name> \"%s\" .\n", subject, escapeNQuad(n.Name))
	fmt.Fprintf(b, "%s <normalized_name> \"%s\" .\n", subject, escapeNQuad(n.NormalizedName))
	if n.Summary != "" {
		fmt.Fprintf(b, "%s <summary> \"%s\" .\n", subject, escapeNQuad(ClampSummary(n.Summary)))
	}
	for _, label := range n.Labels {
		fmt.Fprintf(b, "%s <labels> \"%s\" .\n", subject, escapeNQuad(label))
	}
	fmt.Fprintf(b, "%s <attributes_json> \"%s\" .\n", subject, escapeNQuad(attrsJSON))
	if len(n.NameEmbedding) > 0 {
		raw, err := jsonx.Marshal(n.NameEmbedding)
		if err != nil {
			return fmt.Errorf("marshal embedding for %s: %w", n.UUID, err)
		}
		fmt.Fprintf(b, "%s <name_embedding_json> \"%s\" .\n", subject, escapeNQuad(string(raw)))
		fmt.Fprintf(b, "%s <pending_embedding> \"false\" .\n", subject)
	} else {
		fmt.Fprintf(b, "%s <pending_embedding> \"true\" .\n", subject)
	}
	fmt.Fprintf(b, "%s <importance_score> \"%f\" .\n", subject, n.Centrality.Importance)
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	fmt.Fprintf(b, "%s <created_at> \"%s\"^^<xs:dateTime> .\n", subject, created.Format(time.RFC3339))
	return nil
}

// UpsertEntityNodes writes the batch inside one transaction: a uid
// lookup, one mutation, one commit. An aborted commit surfaces as a
// conflict for the resolver's CAS retry loop.
func (s *DgraphStore) UpsertEntityNodes(ctx context.Context, nodes []*EntityNode) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uuids := make([]string, len(nodes))
	for i, n := range nodes {
		if n.UUID == "" {
			n.UUID = uuid.NewString()
		}
		uuids[i] = n.UUID
	}
	existing, err := s.uidsByUUID(ctx, txn, uuids)
	if err != nil {
		return err
	}

	var b strings.Builder
	for i, n := range nodes {
		subject, ok := existing[n.UUID]
		if ok {
			subject = "<" + subject + ">"
		} else {
			subject = fmt.Sprintf("_:n%d", i)
		}
		if err := s.appendNodeNQuads(&b, subject, n); err != nil {
			return err
		}
	}

	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String())}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
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
func (s *DgraphStore) FetchNodeByUUID(ctx context.Context, id string) (*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	q := fmt.Sprintf(`query node($uuid: string) {
		node(func: eq(uuid, $uuid)) @filter(eq(kind, "entity")) { %s }
	}`, dgraphNodeFields)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Node []dgraphNode `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse node: %w", err)
	}
	if len(result.Node) == 0 {
		return nil, nil
	}
	return result.Node[0].toEntityNode(), nil
}

// FetchNodesByNormalizedNames batches the exact-match lookup for the
// resolver. groupID=="" widens the scan to every group.
func (s *DgraphStore) FetchNodesByNormalizedNames(ctx context.Context, groupID string, names []string) (map[string][]*EntityNode, error) {
	if len(names) == 0 {
		return map[string][]*EntityNode{}, nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("\"%s\"", escapeNQuad(n))
	}
	filter := `eq(kind, "entity")`
	if groupID != "" {
		filter += fmt.Sprintf(` AND eq(group_id, "%s")`, escapeNQuad(groupID))
	}
	q := fmt.Sprintf(`{
		nodes(func: eq(normalized_name, [%s])) @filter(%s) { %s }
	}`, strings.Join(quoted, ", "), filter, dgraphNodeFields)

	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Nodes []dgraphNode `json:"nodes"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse nodes: %w", err)
	}
	out := make(map[string][]*EntityNode)
	for i := range result.Nodes {
		node := result.Nodes[i].toEntityNode()
		out[node.NormalizedName] = append(out[node.NormalizedName], node)
	}
	return out, nil
}

// FetchNodesByGroup pages entities ordered by (created_at, uuid).
func (s *DgraphStore) FetchNodesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	filter := `eq(kind, "entity")`
	if groupID != "" {
		filter += fmt.Sprintf(` AND eq(group_id, "%s")`, escapeNQuad(groupID))
	}
	if !createdAfter.IsZero() {
		filter += fmt.Sprintf(` AND gt(created_at, "%s")`, createdAfter.Format(time.RFC3339))
	}
	q := fmt.Sprintf(`{
		nodes(func: has(normalized_name), orderasc: created_at, first: %d, offset: %d) @filter(%s) { %s }
	}`, limit, offset, filter, dgraphNodeFields)

	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Nodes []dgraphNode `json:"nodes"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse nodes: %w", err)
	}
	out := make([]*EntityNode, len(result.Nodes))
	for i := range result.Nodes {
		out[i] = result.Nodes[i].toEntityNode()
	}
	return out, nil
}

// UpdateNodeSummary sets the summary and returns the updated row.
func (s *DgraphStore) UpdateNodeSummary(ctx context.Context, id, summary string) (*EntityNode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uids, err := s.uidsByUUID(ctx, txn, []string{id})
	if err != nil {
		return nil, err
	}
	uid, ok := uids[id]
	if !ok {
		return nil, ErrNotFound
	}
	nq := fmt.Sprintf("<%s> <summary> \"%s\" .\n", uid, escapeNQuad(ClampSummary(summary)))
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(nq)}); err != nil {
		return nil, classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, classifyDgraphErr(err)
	}
	return s.FetchNodeByUUID(ctx, id)
}

// UpdateNodeAttributes merges attrs into the stored attributes_json and
// mirrors importance_score when present. Read-modify-write inside one
// transaction; aborts surface as conflicts.
func (s *DgraphStore) UpdateNodeAttributes(ctx context.Context, id string, attrs map[string]interface{}) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	q := `query node($uuid: string) {
		node(func: eq(uuid, $uuid)) @filter(eq(kind, "entity")) { uid attributes_json }
	}`
	resp, err := txn.QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return classifyDgraphErr(err)
	}
	var result struct {
		Node []struct {
			UID            string `json:"uid"`
			AttributesJSON string `json:"attributes_json"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return fmt.Errorf("parse node: %w", err)
	}
	if len(result.Node) == 0 {
		return ErrNotFound
	}

	merged := map[string]interface{}{}
	if result.Node[0].AttributesJSON != "" {
		_ = jsonx.UnmarshalFromString(result.Node[0].AttributesJSON, &merged)
	}
	for k, v := range attrs {
		merged[k] = v
	}
	raw, err := jsonx.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<%s> <attributes_json> \"%s\" .\n", result.Node[0].UID, escapeNQuad(string(raw)))
	if imp, ok := merged["importance_score"]; ok {
		if f, ok := imp.(float64); ok {
			fmt.Fprintf(&b, "<%s> <importance_score> \"%f\" .\n", result.Node[0].UID, f)
		}
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String())}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// dgraphEdge is the wire shape for fact rows.
type dgraphEdge struct {
	UID           string     `json:"uid"`
	UUID          string     `json:"uuid"`
	GroupID       string     `json:"group_id"`
	Name          string     `json:"name"`
	Fact          string     `json:"fact"`
	EmbeddingJSON string     `json:"fact_embedding_json"`
	EpisodeUUIDs  []string   `json:"episode_uuids"`
	ValidAt       *time.Time `json:"valid_at"`
	InvalidAt     *time.Time `json:"invalid_at"`
	ExpiredAt     *time.Time `json:"expired_at"`
	CreatedAt     time.Time  `json:"created_at"`
	Source        []struct {
		UUID string `json:"uuid"`
	} `json:"fact_source"`
	Target []struct {
		UUID string `json:"uuid"`
	} `json:"fact_target"`
}

const dgraphEdgeFields = `uid uuid group_id name fact fact_embedding_json episode_uuids valid_at invalid_at expired_at created_at fact_source { uuid } fact_target { uuid }`

func (e *dgraphEdge) toEntityEdge() *EntityEdge {
	edge := &EntityEdge{
		UUID:      e.UUID,
		GroupID:   e.GroupID,
		Name:      e.Name,
		Fact:      e.Fact,
		Episodes:  e.EpisodeUUIDs,
		ValidAt:   e.ValidAt,
		InvalidAt: e.InvalidAt,
		ExpiredAt: e.ExpiredAt,
		CreatedAt: e.CreatedAt,
	}
	if len(e.Source) > 0 {
		edge.SourceNodeUUID = e.Source[0].UUID
	}
	if len(e.Target) > 0 {
		edge.TargetNodeUUID = e.Target[0].UUID
	}
	if e.EmbeddingJSON != "" {
		_ = jsonx.UnmarshalFromString(e.EmbeddingJSON, &edge.FactEmbedding)
	}
	return edge
}

// UpsertEntityEdges writes fact nodes, wiring fact_source/fact_target to
// the endpoint entities. Missing endpoints are a permanent failure: the
// resolver guarantees both exist before persisting.
func (s *DgraphStore) UpsertEntityEdges(ctx context.Context, edges []*EntityEdge) error {
	if len(edges) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	lookup := make([]string, 0, len(edges)*3)
	for _, e := range edges {
		if e.UUID == "" {
			e.UUID = uuid.NewString()
		}
		lookup = append(lookup, e.UUID, e.SourceNodeUUID, e.TargetNodeUUID)
	}
	uids, err := s.uidsByUUID(ctx, txn, lookup)
	if err != nil {
		return err
	}

	var b strings.Builder
	for i, e := range edges {
		srcUID, ok := uids[e.SourceNodeUUID]
		if !ok {
			return fault.Permanent(fmt.Errorf("edge %s: source node %s not found", e.UUID, e.SourceNodeUUID))
		}
		tgtUID, ok := uids[e.TargetNodeUUID]
		if !ok {
			return fault.Permanent(fmt.Errorf("edge %s: target node %s not found", e.UUID, e.TargetNodeUUID))
		}
		subject := fmt.Sprintf("_:e%d", i)
		if uid, ok := uids[e.UUID]; ok {
			subject = "<" + uid + ">"
		}
		fmt.Fprintf(&b, "%s <uuid> %q .\n", subject, e.UUID)
		fmt.Fprintf(&b, "%s <kind> \"fact\" .\n", subject)
		fmt.Fprintf(&b, "%s <group_id> %q .\n", subject, e.GroupID)
		fmt.Fprintf(&b, "%s <name> \"%s\" .\n", subject, escapeNQuad(e.Name))
		fmt.Fprintf(&b, "%s <fact> \"%s\" .\n", subject, escapeNQuad(e.Fact))
		fmt.Fprintf(&b, "%s <fact_source> <%s> .\n", subject, srcUID)
		fmt.Fprintf(&b, "%s <fact_target> <%s> .\n", subject, tgtUID)
		if len(e.FactEmbedding) > 0 {
			raw, err := jsonx.Marshal(e.FactEmbedding)
			if err != nil {
				return fmt.Errorf("marshal fact embedding for %s: %w", e.UUID, err)
			}
			fmt.Fprintf(&b, "%s <fact_embedding_json> \"%s\" .\n", subject, escapeNQuad(string(raw)))
		}
		for _, ep := range e.Episodes {
			fmt.Fprintf(&b, "%s <episode_uuids> %q .\n", subject, ep)
		}
		if e.ValidAt != nil {
			fmt.Fprintf(&b, "%s <valid_at> \"%s\"^^<xs:dateTime> .\n", subject, e.ValidAt.Format(time.RFC3339))
		}
		if e.InvalidAt != nil {
			fmt.Fprintf(&b, "%s <invalid_at> \"%s\"^^<xs:dateTime> .\n", subject, e.InvalidAt.Format(time.RFC3339))
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		fmt.Fprintf(&b, "%s <created_at> \"%s\"^^<xs:dateTime> .\n", subject, created.Format(time.RFC3339))
	}

	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String())}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// FetchEdgeByUUID returns (nil, nil) when no fact matches.
func (s *DgraphStore) FetchEdgeByUUID(ctx context.Context, id string) (*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	q := fmt.Sprintf(`query edge($uuid: string) {
		edge(func: eq(uuid, $uuid)) @filter(eq(kind, "fact")) { %s }
	}`, dgraphEdgeFields)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Edge []dgraphEdge `json:"edge"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse edge: %w", err)
	}
	if len(result.Edge) == 0 {
		return nil, nil
	}
	return result.Edge[0].toEntityEdge(), nil
}

// FetchEdgesBetween lists facts from source to target, newest first.
func (s *DgraphStore) FetchEdgesBetween(ctx context.Context, sourceUUID, targetUUID string) ([]*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	q := fmt.Sprintf(`query edges($src: string) {
		node(func: eq(uuid, $src)) {
			~fact_source { %s }
		}
	}`, dgraphEdgeFields)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$src": sourceUUID})
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Node []struct {
			Facts []dgraphEdge `json:"~fact_source"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse edges: %w", err)
	}
	var out []*EntityEdge
	for _, n := range result.Node {
		for i := range n.Facts {
			edge := n.Facts[i].toEntityEdge()
			if edge.TargetNodeUUID == targetUUID {
				out = append(out, edge)
			}
		}
	}
	return out, nil
}

// FetchEdgesByNode lists facts in either direction, split by role.
func (s *DgraphStore) FetchEdgesByNode(ctx context.Context, id string) (*NodeEdges, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	q := fmt.Sprintf(`query edges($uuid: string) {
		node(func: eq(uuid, $uuid)) {
			outgoing: ~fact_source { %s }
			incoming: ~fact_target { %s }
		}
	}`, dgraphEdgeFields, dgraphEdgeFields)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Node []struct {
			Outgoing []dgraphEdge `json:"outgoing"`
			Incoming []dgraphEdge `json:"incoming"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse edges: %w", err)
	}
	ne := &NodeEdges{}
	for _, n := range result.Node {
		for i := range n.Outgoing {
			e := n.Outgoing[i].toEntityEdge()
			ne.SourceEdges = append(ne.SourceEdges, e)
			ne.Edges = append(ne.Edges, e)
		}
		for i := range n.Incoming {
			e := n.Incoming[i].toEntityEdge()
			ne.TargetEdges = append(ne.TargetEdges, e)
			ne.Edges = append(ne.Edges, e)
		}
	}
	return ne, nil
}

// FetchEdgesByGroup pages facts ordered by (created_at, uuid).
func (s *DgraphStore) FetchEdgesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityEdge, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	filter := `eq(kind, "fact")`
	if groupID != "" {
		filter += fmt.Sprintf(` AND eq(group_id, "%s")`, escapeNQuad(groupID))
	}
	if !createdAfter.IsZero() {
		filter += fmt.Sprintf(` AND gt(created_at, "%s")`, createdAfter.Format(time.RFC3339))
	}
	q := fmt.Sprintf(`{
		edges(func: has(fact), orderasc: created_at, first: %d, offset: %d) @filter(%s) { %s }
	}`, limit, offset, filter, dgraphEdgeFields)

	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Edges []dgraphEdge `json:"edges"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse edges: %w", err)
	}
	out := make([]*EntityEdge, len(result.Edges))
	for i := range result.Edges {
		out[i] = result.Edges[i].toEntityEdge()
	}
	return out, nil
}

// InvalidateEdge closes a fact's validity window without deleting it.
func (s *DgraphStore) InvalidateEdge(ctx context.Context, id string, invalidAt time.Time) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uids, err := s.uidsByUUID(ctx, txn, []string{id})
	if err != nil {
		return err
	}
	uid, ok := uids[id]
	if !ok {
		return ErrNotFound
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<%s> <invalid_at> \"%s\"^^<xs:dateTime> .\n", uid, invalidAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "<%s> <expired_at> \"%s\"^^<xs:dateTime> .\n", uid, time.Now().UTC().Format(time.RFC3339))
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String())}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// DeleteEdge removes a fact node entirely.
func (s *DgraphStore) DeleteEdge(ctx context.Context, id string) error {
	return s.deleteByUUID(ctx, id)
}

// CreateEpisode persists an immutable episode row.
func (s *DgraphStore) CreateEpisode(ctx context.Context, ep *Episode) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	if ep.UUID == "" {
		ep.UUID = uuid.NewString()
	}
	metaJSON := "{}"
	if ep.Metadata != nil {
		raw, err := jsonx.Marshal(ep.Metadata)
		if err != nil {
			return fmt.Errorf("marshal episode metadata: %w", err)
		}
		metaJSON = string(raw)
	}
	created := ep.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "_:ep <uuid> %q .\n", ep.UUID)
	fmt.Fprintf(&b, "_:ep <kind> \"episode\" .\n")
	fmt.Fprintf(&b, "_:ep <group_id> %q .\n", ep.GroupID)
	fmt.Fprintf(&b, "_:ep <name> \"%s\" .\n", escapeNQuad(ep.Name))
	fmt.Fprintf(&b, "_:ep <content> \"%s\" .\n", escapeNQuad(ep.Content))
	if ep.Role != "" {
		fmt.Fprintf(&b, "_:ep <role> \"%s\" .\n", escapeNQuad(ep.Role))
	}
	if ep.RoleType != "" {
		fmt.Fprintf(&b, "_:ep <role_type> \"%s\" .\n", escapeNQuad(ep.RoleType))
	}
	if ep.Source != "" {
		fmt.Fprintf(&b, "_:ep <source> \"%s\" .\n", escapeNQuad(ep.Source))
	}
	if ep.SourceDescription != "" {
		fmt.Fprintf(&b, "_:ep <source_description> \"%s\" .\n", escapeNQuad(ep.SourceDescription))
	}
	fmt.Fprintf(&b, "_:ep <timestamp> \"%s\"^^<xs:dateTime> .\n", ep.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "_:ep <metadata_json> \"%s\" .\n", escapeNQuad(metaJSON))
	fmt.Fprintf(&b, "_:ep <created_at> \"%s\"^^<xs:dateTime> .\n", created.Format(time.RFC3339))

	_, err := s.dg.NewTxn().Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String()), CommitNow: true})
	if err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// EpisodeExists is the worker's idempotence probe.
func (s *DgraphStore) EpisodeExists(ctx context.Context, id string) (bool, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return false, err
	}
	defer s.sem.release()

	q := `query ep($uuid: string) {
		ep(func: eq(uuid, $uuid)) @filter(eq(kind, "episode")) { uid }
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return false, classifyDgraphErr(err)
	}
	var result struct {
		Ep []struct {
			UID string `json:"uid"`
		} `json:"ep"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return false, fmt.Errorf("parse episode probe: %w", err)
	}
	return len(result.Ep) > 0, nil
}

type dgraphEpisode struct {
	UUID              string    `json:"uuid"`
	GroupID           string    `json:"group_id"`
	Name              string    `json:"name"`
	Content           string    `json:"content"`
	Role              string    `json:"role"`
	RoleType          string    `json:"role_type"`
	Source            string    `json:"source"`
	SourceDescription string    `json:"source_description"`
	Timestamp         time.Time `json:"timestamp"`
	MetadataJSON      string    `json:"metadata_json"`
	CreatedAt         time.Time `json:"created_at"`
}

func (e *dgraphEpisode) toEpisode() *Episode {
	ep := &Episode{
		UUID:              e.UUID,
		GroupID:           e.GroupID,
		Name:              e.Name,
		Content:           e.Content,
		Role:              e.Role,
		RoleType:          e.RoleType,
		Source:            e.Source,
		SourceDescription: e.SourceDescription,
		Timestamp:         e.Timestamp,
		CreatedAt:         e.CreatedAt,
	}
	if e.MetadataJSON != "" {
		_ = jsonx.UnmarshalFromString(e.MetadataJSON, &ep.Metadata)
	}
	return ep
}

// RecentEpisodes returns the group's last N episodes, newest first.
func (s *DgraphStore) RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*Episode, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	q := fmt.Sprintf(`query eps($group: string) {
		eps(func: eq(kind, "episode"), orderdesc: timestamp, first: %d) @filter(eq(group_id, $group)) {
			uuid group_id name content role role_type source source_description timestamp metadata_json created_at
		}
	}`, lastN)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$group": groupID})
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var result struct {
		Eps []dgraphEpisode `json:"eps"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("parse episodes: %w", err)
	}
	out := make([]*Episode, len(result.Eps))
	for i := range result.Eps {
		out[i] = result.Eps[i].toEpisode()
	}
	return out, nil
}

// DeleteEpisode removes one episode row and its mentions edges.
func (s *DgraphStore) DeleteEpisode(ctx context.Context, id string) error {
	return s.deleteByUUID(ctx, id)
}

func (s *DgraphStore) deleteByUUID(ctx context.Context, id string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uids, err := s.uidsByUUID(ctx, txn, []string{id})
	if err != nil {
		return err
	}
	uid, ok := uids[id]
	if !ok {
		return ErrNotFound
	}
	nq := fmt.Sprintf("<%s> * * .\n", uid)
	if _, err := txn.Mutate(ctx, &api.Mutation{DelNquads: []byte(nq)}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// CreateMentions links an episode to the entities it produced.
func (s *DgraphStore) CreateMentions(ctx context.Context, episodeUUID string, nodeUUIDs []string) error {
	if len(nodeUUIDs) == 0 {
		return nil
	}
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uids, err := s.uidsByUUID(ctx, txn, append([]string{episodeUUID}, nodeUUIDs...))
	if err != nil {
		return err
	}
	epUID, ok := uids[episodeUUID]
	if !ok {
		return fault.Permanent(fmt.Errorf("episode %s not found for mentions", episodeUUID))
	}
	var b strings.Builder
	for _, nodeUUID := range nodeUUIDs {
		nodeUID, ok := uids[nodeUUID]
		if !ok {
			return fault.Permanent(fmt.Errorf("mentions target %s not found", nodeUUID))
		}
		fmt.Fprintf(&b, "<%s> <mentions> <%s> .\n", epUID, nodeUID)
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(b.String())}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// CreateDuplicateOf records cross-group canonicality.
func (s *DgraphStore) CreateDuplicateOf(ctx context.Context, fromUUID, toUUID string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	uids, err := s.uidsByUUID(ctx, txn, []string{fromUUID, toUUID})
	if err != nil {
		return err
	}
	fromUID, ok := uids[fromUUID]
	if !ok {
		return fault.Permanent(fmt.Errorf("duplicate source %s not found", fromUUID))
	}
	toUID, ok := uids[toUUID]
	if !ok {
		return fault.Permanent(fmt.Errorf("canonical target %s not found", toUUID))
	}
	nq := fmt.Sprintf("<%s> <is_duplicate_of> <%s> .\n", fromUID, toUID)
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(nq)}); err != nil {
		return classifyDgraphErr(err)
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// DuplicateOfTarget returns the canonical uuid one hop away, or "".
func (s *DgraphStore) DuplicateOfTarget(ctx context.Context, id string) (string, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return "", err
	}
	defer s.sem.release()

	q := `query node($uuid: string) {
		node(func: eq(uuid, $uuid)) {
			is_duplicate_of { uuid }
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": id})
	if err != nil {
		return "", classifyDgraphErr(err)
	}
	var result struct {
		Node []struct {
			Dup []struct {
				UUID string `json:"uuid"`
			} `json:"is_duplicate_of"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("parse duplicate target: %w", err)
	}
	if len(result.Node) == 0 || len(result.Node[0].Dup) == 0 {
		return "", nil
	}
	return result.Node[0].Dup[0].UUID, nil
}

// SearchByVector scores the group's embedding matrix and returns full
// rows above minScore, best first.
func (s *DgraphStore) SearchByVector(ctx context.Context, groupID string, vector []float32, topK int, minScore float64) ([]ScoredNode, error) {
	scored, err := s.vindex.search(ctx, groupID, vector, topK, minScore)
	if err != nil {
		return nil, err
	}
	return hydrateScored(ctx, s, scored)
}

// DeleteGroup drops every row in the namespace.
func (s *DgraphStore) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.sem.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.release()

	q := `query all($group: string) {
		all(func: eq(group_id, $group)) { uid }
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$group": groupID})
	if err != nil {
		return classifyDgraphErr(err)
	}
	var result struct {
		All []struct {
			UID string `json:"uid"`
		} `json:"all"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return fmt.Errorf("parse group rows: %w", err)
	}
	if len(result.All) == 0 {
		return nil
	}
	var b strings.Builder
	for _, row := range result.All {
		fmt.Fprintf(&b, "<%s> * * .\n", row.UID)
	}
	_, err = s.dg.NewTxn().Mutate(ctx, &api.Mutation{DelNquads: []byte(b.String()), CommitNow: true})
	if err != nil {
		return classifyDgraphErr(err)
	}
	s.vindex.invalidate(groupID)
	s.vindex.invalidate("")
	return nil
}

func (s *DgraphStore) countKind(ctx context.Context, kind, groupID string) (int, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.sem.release()

	filter := ""
	if groupID != "" {
		filter = fmt.Sprintf(` @filter(eq(group_id, "%s"))`, escapeNQuad(groupID))
	}
	q := fmt.Sprintf(`{
		q(func: eq(kind, %q))%s { total: count(uid) }
	}`, kind, filter)
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return 0, classifyDgraphErr(err)
	}
	var result struct {
		Q []struct {
			Total int `json:"total"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	if len(result.Q) == 0 {
		return 0, nil
	}
	return result.Q[0].Total, nil
}

// CountNodes counts entities in a group ("" counts all).
func (s *DgraphStore) CountNodes(ctx context.Context, groupID string) (int, error) {
	return s.countKind(ctx, "entity", groupID)
}

// CountEdges counts facts in a group ("" counts all).
func (s *DgraphStore) CountEdges(ctx context.Context, groupID string) (int, error) {
	return s.countKind(ctx, "fact", groupID)
}

// TruncateAll drops all data, keeping the schema. Only the sync
// orchestrator's full-mirror path calls this.
func (s *DgraphStore) TruncateAll(ctx context.Context) error {
	if err := s.dg.Alter(ctx, &api.Operation{DropOp: api.Operation_DATA}); err != nil {
		return classifyDgraphErr(err)
	}
	return nil
}

// ExecuteQuery runs raw DQL. Params become query variables; only string
// values are supported by the wire protocol.
func (s *DgraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (*QueryResult, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.release()

	vars := make(map[string]string, len(params))
	for k, v := range params {
		vars[k] = fmt.Sprintf("%v", v)
	}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, classifyDgraphErr(err)
	}
	var raw map[string][]map[string]interface{}
	if err := jsonx.Unmarshal(resp.Json, &raw); err != nil {
		return nil, fmt.Errorf("parse query result: %w", err)
	}
	result := &QueryResult{}
	for key, rows := range raw {
		result.Keys = append(result.Keys, key)
		for _, row := range rows {
			result.Records = append(result.Records, Record(row))
		}
	}
	return result, nil
}

// Health runs a cheap probe query.
func (s *DgraphStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.dg.NewReadOnlyTxn().Query(ctx, `{ q(func: has(uuid), first: 1) { uid } }`)
	if err != nil {
		return fmt.Errorf("dgraph health: %w", err)
	}
	return nil
}

// Close tears down the vector cache and the gRPC connection.
func (s *DgraphStore) Close() error {
	s.vindex.close()
	return s.conn.Close()
}
