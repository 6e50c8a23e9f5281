// Package lineage tracks directed data-flow relationships between
// cataloged datasets: edge management with per-column mappings, graph
// building for visualization, downstream impact analysis, path finding,
// and transitive column-origin tracing.
//
// Graphs are built on demand from the edge collection as adjacency maps;
// no long-lived pointer graph exists. Cycle prevention during traversal
// is by visited sets, and CreateEdge additionally rejects edges whose
// target is already transitively upstream of the source.
package lineage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"atlas.crawlops.org/catalog"
	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

// RelationshipType classifies how a target dataset depends on a source.
type RelationshipType string

const (
	RelDerivesFrom RelationshipType = "derives_from"
	RelAggregates  RelationshipType = "aggregates"
	RelFilters     RelationshipType = "filters"
	RelJoins       RelationshipType = "joins"
	RelTransforms  RelationshipType = "transforms"
	RelCopies      RelationshipType = "copies"
)

// NodeType classifies graph nodes by their dataset type.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeStaging     NodeType = "staging"
	NodeTransform   NodeType = "transform"
	NodeAggregation NodeType = "aggregation"
	NodeFinal       NodeType = "final"
)

// Edge is one directed lineage relationship. At most one edge exists per
// ordered (source, target) pair; re-creating updates in place.
type Edge struct {
	SourceID            string              `json:"source_id"`
	TargetID            string              `json:"target_id"`
	Relationship        RelationshipType    `json:"relationship"`
	TransformationLogic string              `json:"transformation_logic,omitempty"`
	ColumnMappings      map[string][]string `json:"column_mappings,omitempty"` // target_col -> [source_cols]
	JobID               string              `json:"job_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	CreatedBy           string              `json:"created_by"`
}

// GraphNode is a visualization node.
type GraphNode struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	DisplayName  string             `json:"display_name"`
	NodeType     NodeType           `json:"node_type"`
	Domain       string             `json:"domain,omitempty"`
	QualityScore float64            `json:"quality_score"`
	RecordCount  int64              `json:"record_count"`
	Position     map[string]float64 `json:"position"`
}

// GraphEdge is a visualization edge.
type GraphEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
	Label        string `json:"label,omitempty"`
}

// Graph is the visualization structure for one root dataset.
type Graph struct {
	Nodes       []GraphNode `json:"nodes"`
	Edges       []GraphEdge `json:"edges"`
	RootID      string      `json:"root_id"`
	Depth       int         `json:"depth"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// ColumnLineage maps one target column to its source columns.
type ColumnLineage struct {
	TargetDatasetID string              `json:"target_dataset_id"`
	TargetColumn    string              `json:"target_column"`
	SourceColumns   []map[string]string `json:"source_columns"` // [{dataset_id, column}]
	Transformation  string              `json:"transformation,omitempty"`
	Expression      string              `json:"expression,omitempty"`
}

// ColumnOrigin is one terminating chain of a column trace.
type ColumnOrigin struct {
	OriginDatasetID string           `json:"origin_dataset_id"`
	OriginColumn    string           `json:"origin_column"`
	Path            []map[string]any `json:"path"`
	Depth           int              `json:"depth"`
}

// ImpactAnalysis reports every downstream dataset affected by a change.
type ImpactAnalysis struct {
	SourceDatasetID  string           `json:"source_dataset_id"`
	AffectedDatasets []map[string]any `json:"affected_datasets"`
	AffectedColumns  []map[string]any `json:"affected_columns"`
	TotalAffected    int              `json:"total_affected"`
	MaxDepth         int              `json:"max_depth"`
	CriticalPaths    [][]string       `json:"critical_paths"`
}

// Service manages lineage edges and analyses.
type Service struct {
	store   db.Database
	catalog *catalog.Catalog
	clock   func() time.Time

	cacheMu   sync.Mutex
	edgeCache map[string][]Edge
}

// NewService creates a lineage service.
func NewService(store db.Database, cat *catalog.Catalog) *Service {
	return &Service{
		store:     store,
		catalog:   cat,
		clock:     func() time.Time { return time.Now().UTC() },
		edgeCache: map[string][]Edge{},
	}
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateEdge upserts the (source, target) edge, refreshes the embedded
// upstream/downstream references on both datasets, and rejects
// self-loops plus edges that would close a cycle.
func (s *Service) CreateEdge(
	ctx context.Context,
	sourceID, targetID string,
	relationship RelationshipType,
	transformationLogic string,
	columnMappings map[string][]string,
	jobID, createdBy string,
) (*Edge, error) {
	if sourceID == targetID {
		return nil, common.NewError(common.ErrDatabaseOperation, "E111", "lineage self-loops are not allowed")
	}

	// Reject edges whose target already feeds the source.
	if path, err := s.ShortestPath(ctx, targetID, sourceID); err == nil && path != nil {
		return nil, common.NewError(common.ErrDatabaseOperation, "E112",
			fmt.Sprintf("edge %s -> %s would create a cycle via %v", sourceID, targetID, path))
	}

	if createdBy == "" {
		createdBy = "system"
	}
	edge := Edge{
		SourceID:            sourceID,
		TargetID:            targetID,
		Relationship:        relationship,
		TransformationLogic: transformationLogic,
		ColumnMappings:      columnMappings,
		JobID:               jobID,
		CreatedAt:           s.clock(),
		CreatedBy:           createdBy,
	}

	col := s.store.Collection(db.ColDataLineage)
	existing, err := col.FindOne(ctx, db.Document{"source_id": sourceID, "target_id": targetID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := col.UpdateOne(ctx,
			db.Document{"_id": existing["_id"]},
			db.Document{"$set": edgeToDoc(edge)},
		); err != nil {
			return nil, err
		}
		common.Logger.WithField("source", sourceID).WithField("target", targetID).Info("lineage edge updated")
	} else {
		if _, err := col.InsertOne(ctx, edgeToDoc(edge)); err != nil {
			return nil, err
		}
		common.Logger.WithField("source", sourceID).WithField("target", targetID).Info("lineage edge created")
	}

	s.updateDatasetRefs(ctx, sourceID, targetID, string(relationship), transformationLogic)
	s.invalidateEdges(sourceID, targetID)

	return &edge, nil
}

// updateDatasetRefs replaces the corresponding embedded reference on
// both endpoint datasets, never duplicating entries.
func (s *Service) updateDatasetRefs(ctx context.Context, sourceID, targetID, relationship, transformation string) {
	if s.catalog == nil {
		return
	}

	sourceDataset, _ := s.catalog.GetDataset(ctx, sourceID)
	targetDataset, _ := s.catalog.GetDataset(ctx, targetID)

	if sourceDataset != nil {
		kept := make([]any, 0, len(sourceDataset.Downstream)+1)
		for _, ref := range sourceDataset.Downstream {
			if ref.DatasetID != targetID {
				kept = append(kept, refToDoc(ref))
			}
		}
		targetName := ""
		if targetDataset != nil {
			targetName = targetDataset.Name
		}
		kept = append(kept, refToDoc(catalog.LineageRef{
			DatasetID:      targetID,
			DatasetName:    targetName,
			Relationship:   "downstream",
			Transformation: transformation,
		}))
		if _, err := s.catalog.UpdateDataset(ctx, sourceID, db.Document{"downstream": kept}); err != nil {
			common.Logger.Warnf("downstream ref update failed: %v", err)
		}
	}

	if targetDataset != nil {
		kept := make([]any, 0, len(targetDataset.Upstream)+1)
		for _, ref := range targetDataset.Upstream {
			if ref.DatasetID != sourceID {
				kept = append(kept, refToDoc(ref))
			}
		}
		sourceName := ""
		if sourceDataset != nil {
			sourceName = sourceDataset.Name
		}
		kept = append(kept, refToDoc(catalog.LineageRef{
			DatasetID:      sourceID,
			DatasetName:    sourceName,
			Relationship:   "upstream",
			Transformation: transformation,
		}))
		if _, err := s.catalog.UpdateDataset(ctx, targetID, db.Document{"upstream": kept}); err != nil {
			common.Logger.Warnf("upstream ref update failed: %v", err)
		}
	}
}

// GetEdge loads one edge by its ordered endpoints.
func (s *Service) GetEdge(ctx context.Context, sourceID, targetID string) (*Edge, error) {
	doc, err := s.store.Collection(db.ColDataLineage).FindOne(ctx, db.Document{
		"source_id": sourceID, "target_id": targetID,
	})
	if err != nil || doc == nil {
		return nil, err
	}
	edge := docToEdge(doc)
	return &edge, nil
}

// OutgoingEdges lists the downstream edges of a dataset.
func (s *Service) OutgoingEdges(ctx context.Context, datasetID string) ([]Edge, error) {
	return s.edges(ctx, "out_"+datasetID, db.Document{"source_id": datasetID})
}

// IncomingEdges lists the upstream edges of a dataset.
func (s *Service) IncomingEdges(ctx context.Context, datasetID string) ([]Edge, error) {
	return s.edges(ctx, "in_"+datasetID, db.Document{"target_id": datasetID})
}

func (s *Service) edges(ctx context.Context, cacheKey string, filter db.Document) ([]Edge, error) {
	s.cacheMu.Lock()
	if cached, ok := s.edgeCache[cacheKey]; ok {
		s.cacheMu.Unlock()
		return cached, nil
	}
	s.cacheMu.Unlock()

	// Promotion audit rows share this collection; lineage edges are the
	// rows carrying a target_id.
	filter["target_id"] = filterWithExists(filter["target_id"])

	docs, err := s.store.Collection(db.ColDataLineage).Find(ctx, filter, nil)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(docs))
	for _, doc := range docs {
		edges = append(edges, docToEdge(doc))
	}

	s.cacheMu.Lock()
	s.edgeCache[cacheKey] = edges
	s.cacheMu.Unlock()
	return edges, nil
}

func filterWithExists(existing any) any {
	if existing != nil {
		return existing
	}
	return db.Document{"$exists": true}
}

// DeleteEdge removes one edge.
func (s *Service) DeleteEdge(ctx context.Context, sourceID, targetID string) (bool, error) {
	n, err := s.store.Collection(db.ColDataLineage).DeleteOne(ctx, db.Document{
		"source_id": sourceID, "target_id": targetID,
	})
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.invalidateEdges(sourceID, targetID)
	}
	return n > 0, nil
}

func (s *Service) invalidateEdges(ids ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, id := range ids {
		delete(s.edgeCache, "out_"+id)
		delete(s.edgeCache, "in_"+id)
	}
}

// InvalidateCache clears the whole edge cache.
func (s *Service) InvalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.edgeCache = map[string][]Edge{}
}

// ---------- Column lineage ----------

// CreateColumnLineage upserts the mapping for one target column.
func (s *Service) CreateColumnLineage(ctx context.Context, lineage ColumnLineage) error {
	doc := db.Document{
		"target_dataset_id": lineage.TargetDatasetID,
		"target_column":     lineage.TargetColumn,
		"source_columns":    sourceColumnsToAny(lineage.SourceColumns),
		"transformation":    lineage.Transformation,
		"expression":        lineage.Expression,
	}

	col := s.store.Collection(db.ColColumnLineage)
	existing, err := col.FindOne(ctx, db.Document{
		"target_dataset_id": lineage.TargetDatasetID,
		"target_column":     lineage.TargetColumn,
	})
	if err != nil {
		return err
	}
	if existing != nil {
		_, err = col.UpdateOne(ctx, db.Document{"_id": existing["_id"]}, db.Document{"$set": doc})
		return err
	}
	_, err = col.InsertOne(ctx, doc)
	return err
}

// GetColumnLineage lists mappings for a dataset, optionally one column.
func (s *Service) GetColumnLineage(ctx context.Context, datasetID, columnName string) ([]ColumnLineage, error) {
	filter := db.Document{"target_dataset_id": datasetID}
	if columnName != "" {
		filter["target_column"] = columnName
	}
	docs, err := s.store.Collection(db.ColColumnLineage).Find(ctx, filter, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ColumnLineage, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToColumnLineage(doc))
	}
	return out, nil
}

// TraceColumnOrigin walks column mappings transitively upstream and
// returns every terminating chain.
func (s *Service) TraceColumnOrigin(ctx context.Context, datasetID, columnName string, maxDepth int) ([]ColumnOrigin, error) {
	var results []ColumnOrigin
	visited := map[string]struct{}{}

	var trace func(dsID, col string, depth int, path []map[string]any) error
	trace = func(dsID, col string, depth int, path []map[string]any) error {
		if depth > maxDepth {
			return nil
		}
		key := dsID + "\x00" + col
		if _, seen := visited[key]; seen {
			return nil
		}
		visited[key] = struct{}{}

		lineages, err := s.GetColumnLineage(ctx, dsID, col)
		if err != nil {
			return err
		}
		if len(lineages) == 0 {
			results = append(results, ColumnOrigin{
				OriginDatasetID: dsID,
				OriginColumn:    col,
				Path:            path,
				Depth:           depth,
			})
			return nil
		}

		for _, lineage := range lineages {
			for _, source := range lineage.SourceColumns {
				step := map[string]any{
					"dataset_id":     dsID,
					"column":         col,
					"transformation": lineage.Transformation,
				}
				next := append(append([]map[string]any{}, path...), step)
				if err := trace(source["dataset_id"], source["column"], depth+1, next); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := trace(datasetID, columnName, 0, nil); err != nil {
		return nil, err
	}
	return results, nil
}

// ---------- Graph building ----------

// BuildGraph walks edges from the root in the requested direction up to
// maxDepth and returns the renderable graph. Positions place nodes at
// x = depth * 200 with y following insertion order.
func (s *Service) BuildGraph(ctx context.Context, rootID, direction string, maxDepth int) (*Graph, error) {
	nodes := map[string]*GraphNode{}
	var order []string
	var edges []GraphEdge
	actualDepth := 0

	addNode := func(datasetID string, depth int) *GraphNode {
		if node, ok := nodes[datasetID]; ok {
			return node
		}
		if s.catalog == nil {
			return nil
		}
		dataset, err := s.catalog.GetDataset(ctx, datasetID)
		if err != nil || dataset == nil {
			return nil
		}

		quality := 0.0
		if dataset.Quality != nil {
			quality = dataset.Quality.OverallScore
		}
		node := &GraphNode{
			ID:           dataset.ID,
			Name:         dataset.Name,
			DisplayName:  displayName(dataset),
			NodeType:     nodeTypeOf(dataset.DatasetType),
			Domain:       dataset.Domain,
			QualityScore: quality,
			RecordCount:  dataset.RecordCount,
			Position: map[string]float64{
				"x": float64(depth) * 200,
				"y": float64(len(nodes)) * 100,
			},
		}
		nodes[datasetID] = node
		order = append(order, datasetID)
		return node
	}

	visited := map[string]struct{}{}
	var traverse func(datasetID string, depth int, upstream bool) error
	traverse = func(datasetID string, depth int, upstream bool) error {
		if depth > maxDepth {
			return nil
		}
		if _, seen := visited[datasetID]; seen {
			return nil
		}
		visited[datasetID] = struct{}{}
		if depth > actualDepth {
			actualDepth = depth
		}

		position := depth
		if upstream {
			position = -depth
		}
		addNode(datasetID, position)

		if upstream {
			incoming, err := s.IncomingEdges(ctx, datasetID)
			if err != nil {
				return err
			}
			for _, edge := range incoming {
				if addNode(edge.SourceID, -(depth + 1)) != nil {
					edges = append(edges, GraphEdge{
						Source:       edge.SourceID,
						Target:       datasetID,
						Relationship: string(edge.Relationship),
						Label:        truncate(edge.TransformationLogic, 50),
					})
					if err := traverse(edge.SourceID, depth+1, true); err != nil {
						return err
					}
				}
			}
			return nil
		}

		outgoing, err := s.OutgoingEdges(ctx, datasetID)
		if err != nil {
			return err
		}
		for _, edge := range outgoing {
			if addNode(edge.TargetID, depth+1) != nil {
				edges = append(edges, GraphEdge{
					Source:       datasetID,
					Target:       edge.TargetID,
					Relationship: string(edge.Relationship),
					Label:        truncate(edge.TransformationLogic, 50),
				})
				if err := traverse(edge.TargetID, depth+1, false); err != nil {
					return err
				}
			}
		}
		return nil
	}

	addNode(rootID, 0)

	if direction == "upstream" || direction == "both" {
		if err := traverse(rootID, 0, true); err != nil {
			return nil, err
		}
	}
	visited = map[string]struct{}{}
	if direction == "downstream" || direction == "both" {
		if err := traverse(rootID, 0, false); err != nil {
			return nil, err
		}
	}

	graphNodes := make([]GraphNode, 0, len(order))
	for _, id := range order {
		graphNodes = append(graphNodes, *nodes[id])
	}

	return &Graph{
		Nodes:       graphNodes,
		Edges:       edges,
		RootID:      rootID,
		Depth:       actualDepth,
		GeneratedAt: s.clock(),
	}, nil
}

// ---------- Impact analysis ----------

// AnalyzeImpact walks downstream from the dataset collecting affected
// datasets per depth, column impacts from mapped edges, and the longest
// leaf-terminated paths (top 10).
func (s *Service) AnalyzeImpact(ctx context.Context, datasetID string, includeColumns bool, maxDepth int) (*ImpactAnalysis, error) {
	var affectedDatasets []map[string]any
	var affectedColumns []map[string]any
	var criticalPaths [][]string
	visited := map[string]struct{}{}
	actualMaxDepth := 0

	var analyze func(dsID string, depth int, path []string) error
	analyze = func(dsID string, depth int, path []string) error {
		if depth > maxDepth {
			return nil
		}
		if _, seen := visited[dsID]; seen && dsID != datasetID {
			return nil
		}
		visited[dsID] = struct{}{}
		if depth > actualMaxDepth {
			actualMaxDepth = depth
		}

		edges, err := s.OutgoingEdges(ctx, dsID)
		if err != nil {
			return err
		}

		for _, edge := range edges {
			name := "Unknown"
			if s.catalog != nil {
				if target, err := s.catalog.GetDataset(ctx, edge.TargetID); err == nil && target != nil {
					name = target.Name
				}
			}

			affectedDatasets = append(affectedDatasets, map[string]any{
				"id":             edge.TargetID,
				"name":           name,
				"depth":          depth + 1,
				"impact_type":    string(edge.Relationship),
				"transformation": edge.TransformationLogic,
			})

			if includeColumns && len(edge.ColumnMappings) > 0 {
				impact := "indirect"
				if depth == 0 {
					impact = "direct"
				}
				for targetCol, sourceCols := range edge.ColumnMappings {
					affectedColumns = append(affectedColumns, map[string]any{
						"dataset_id":     edge.TargetID,
						"column":         targetCol,
						"source_columns": sourceCols,
						"impact":         impact,
					})
				}
			}

			next := append(append([]string{}, path...), edge.TargetID)

			downstream, err := s.OutgoingEdges(ctx, edge.TargetID)
			if err != nil {
				return err
			}
			if len(downstream) == 0 {
				criticalPaths = append(criticalPaths, next)
			}

			if err := analyze(edge.TargetID, depth+1, next); err != nil {
				return err
			}
		}
		return nil
	}

	if err := analyze(datasetID, 0, []string{datasetID}); err != nil {
		return nil, err
	}

	if len(criticalPaths) > 10 {
		criticalPaths = criticalPaths[:10]
	}

	return &ImpactAnalysis{
		SourceDatasetID:  datasetID,
		AffectedDatasets: affectedDatasets,
		AffectedColumns:  affectedColumns,
		TotalAffected:    len(affectedDatasets),
		MaxDepth:         actualMaxDepth,
		CriticalPaths:    criticalPaths,
	}, nil
}

// FindRootSources walks upstream until datasets with no incoming edges.
func (s *Service) FindRootSources(ctx context.Context, datasetID string) ([]string, error) {
	var roots []string
	visited := map[string]struct{}{}

	var walk func(dsID string) error
	walk = func(dsID string) error {
		if _, seen := visited[dsID]; seen {
			return nil
		}
		visited[dsID] = struct{}{}

		incoming, err := s.IncomingEdges(ctx, dsID)
		if err != nil {
			return err
		}
		if len(incoming) == 0 {
			roots = append(roots, dsID)
			return nil
		}
		for _, edge := range incoming {
			if err := walk(edge.SourceID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(datasetID); err != nil {
		return nil, err
	}
	return roots, nil
}

// FindLeafTargets walks downstream until datasets with no outgoing
// edges.
func (s *Service) FindLeafTargets(ctx context.Context, datasetID string) ([]string, error) {
	var leaves []string
	visited := map[string]struct{}{}

	var walk func(dsID string) error
	walk = func(dsID string) error {
		if _, seen := visited[dsID]; seen {
			return nil
		}
		visited[dsID] = struct{}{}

		outgoing, err := s.OutgoingEdges(ctx, dsID)
		if err != nil {
			return err
		}
		if len(outgoing) == 0 {
			leaves = append(leaves, dsID)
			return nil
		}
		for _, edge := range outgoing {
			if err := walk(edge.TargetID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(datasetID); err != nil {
		return nil, err
	}
	return leaves, nil
}

// ---------- Path finding ----------

// FindPaths enumerates every acyclic path from source to target over
// outgoing edges, bounded by maxDepth.
func (s *Service) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([][]string, error) {
	var paths [][]string

	var dfs func(current string, path []string, depth int) error
	dfs = func(current string, path []string, depth int) error {
		if depth > maxDepth {
			return nil
		}
		if current == targetID {
			paths = append(paths, append([]string{}, path...))
			return nil
		}

		edges, err := s.OutgoingEdges(ctx, current)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			inPath := false
			for _, seen := range path {
				if seen == edge.TargetID {
					inPath = true
					break
				}
			}
			if inPath {
				continue
			}
			if err := dfs(edge.TargetID, append(path, edge.TargetID), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := dfs(sourceID, []string{sourceID}, 0); err != nil {
		return nil, err
	}
	return paths, nil
}

// ShortestPath BFS-walks outgoing edges; nil when no path exists.
func (s *Service) ShortestPath(ctx context.Context, sourceID, targetID string) ([]string, error) {
	if sourceID == targetID {
		return []string{sourceID}, nil
	}

	type queueItem struct {
		id   string
		path []string
	}
	queue := []queueItem{{sourceID, []string{sourceID}}}
	visited := map[string]struct{}{sourceID: {}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		edges, err := s.OutgoingEdges(ctx, item.id)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if edge.TargetID == targetID {
				return append(item.path, targetID), nil
			}
			if _, seen := visited[edge.TargetID]; !seen {
				visited[edge.TargetID] = struct{}{}
				queue = append(queue, queueItem{edge.TargetID, append(append([]string{}, item.path...), edge.TargetID)})
			}
		}
	}
	return nil, nil
}

// ---------- Auto detection ----------

// DetectFromETL resolves both collections to datasets and creates an
// edge whose relationship is inferred from the target name: staging_*
// copies, agg_*/summary_* aggregates, everything else derives.
func (s *Service) DetectFromETL(ctx context.Context, sourceCollection, targetCollection, jobID string) (*Edge, error) {
	if s.catalog == nil {
		return nil, nil
	}

	sourceDataset, err := s.catalog.GetDatasetByCollection(ctx, sourceCollection)
	if err != nil {
		return nil, err
	}
	targetDataset, err := s.catalog.GetDatasetByCollection(ctx, targetCollection)
	if err != nil {
		return nil, err
	}
	if sourceDataset == nil || targetDataset == nil {
		return nil, nil
	}

	relationship := RelDerivesFrom
	switch {
	case strings.Contains(targetCollection, "staging_"):
		relationship = RelCopies
	case strings.Contains(targetCollection, "agg_") || strings.Contains(targetCollection, "summary_"):
		relationship = RelAggregates
	}

	return s.CreateEdge(ctx, sourceDataset.ID, targetDataset.ID, relationship, "", nil, jobID, "auto_detection")
}

// ---------- Helpers ----------

func nodeTypeOf(t catalog.DatasetType) NodeType {
	switch t {
	case catalog.DatasetStaging:
		return NodeStaging
	case catalog.DatasetTransformed:
		return NodeTransform
	case catalog.DatasetAggregated:
		return NodeAggregation
	case catalog.DatasetFinal:
		return NodeFinal
	default:
		return NodeSource
	}
}

func displayName(dataset *catalog.Dataset) string {
	if dataset.DisplayName != "" {
		return dataset.DisplayName
	}
	return dataset.Name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func edgeToDoc(edge Edge) db.Document {
	mappings := db.Document{}
	for target, sources := range edge.ColumnMappings {
		mappings[target] = sources
	}
	return db.Document{
		"source_id":            edge.SourceID,
		"target_id":            edge.TargetID,
		"relationship":         string(edge.Relationship),
		"transformation_logic": edge.TransformationLogic,
		"column_mappings":      mappings,
		"job_id":               edge.JobID,
		"created_at":           edge.CreatedAt,
		"created_by":           edge.CreatedBy,
	}
}

func docToEdge(doc db.Document) Edge {
	edge := Edge{
		SourceID:            fmt.Sprint(doc["source_id"]),
		TargetID:            fmt.Sprint(doc["target_id"]),
		Relationship:        RelationshipType(fmt.Sprint(doc["relationship"])),
		TransformationLogic: strOf(doc["transformation_logic"]),
		JobID:               strOf(doc["job_id"]),
		CreatedBy:           strOf(doc["created_by"]),
	}
	if t, ok := doc["created_at"].(time.Time); ok {
		edge.CreatedAt = t
	}
	if raw, ok := doc["column_mappings"].(db.Document); ok && len(raw) > 0 {
		edge.ColumnMappings = map[string][]string{}
		for target, sources := range raw {
			switch cols := sources.(type) {
			case []string:
				edge.ColumnMappings[target] = cols
			case []any:
				for _, col := range cols {
					edge.ColumnMappings[target] = append(edge.ColumnMappings[target], fmt.Sprint(col))
				}
			}
		}
	}
	return edge
}

func docToColumnLineage(doc db.Document) ColumnLineage {
	lineage := ColumnLineage{
		TargetDatasetID: fmt.Sprint(doc["target_dataset_id"]),
		TargetColumn:    fmt.Sprint(doc["target_column"]),
		Transformation:  strOf(doc["transformation"]),
		Expression:      strOf(doc["expression"]),
	}
	if raw, ok := doc["source_columns"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(db.Document); ok {
				lineage.SourceColumns = append(lineage.SourceColumns, map[string]string{
					"dataset_id": fmt.Sprint(m["dataset_id"]),
					"column":     fmt.Sprint(m["column"]),
				})
			}
		}
	}
	return lineage
}

func sourceColumnsToAny(sources []map[string]string) []any {
	out := make([]any, 0, len(sources))
	for _, source := range sources {
		doc := db.Document{}
		for k, v := range source {
			doc[k] = v
		}
		out = append(out, doc)
	}
	return out
}

func refToDoc(ref catalog.LineageRef) db.Document {
	return db.Document{
		"dataset_id":     ref.DatasetID,
		"dataset_name":   ref.DatasetName,
		"relationship":   ref.Relationship,
		"transformation": ref.Transformation,
	}
}

func strOf(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
