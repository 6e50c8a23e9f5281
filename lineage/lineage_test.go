package lineage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/catalog"
	"atlas.crawlops.org/db"
)

type fixture struct {
	store   db.Database
	catalog *catalog.Catalog
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryDatabase("test")
	cat := catalog.NewCatalog(store)
	return &fixture{store: store, catalog: cat, svc: NewService(store, cat)}
}

func (f *fixture) dataset(t *testing.T, name string, dsType catalog.DatasetType) string {
	t.Helper()
	ds, err := f.catalog.CreateDataset(context.Background(), &catalog.Dataset{
		Name:        name,
		DatasetType: dsType,
	})
	require.NoError(t, err)
	return ds.ID
}

// TestCreateEdge upserts per ordered pair and refreshes dataset refs.
func TestCreateEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetStaging)

	edge, err := f.svc.CreateEdge(ctx, a, b, RelDerivesFrom, "copy fields", nil, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, RelDerivesFrom, edge.Relationship)

	// Re-creating updates in place, never duplicates.
	_, err = f.svc.CreateEdge(ctx, a, b, RelTransforms, "new logic", nil, "", "tester")
	require.NoError(t, err)
	f.svc.InvalidateCache()

	edges, err := f.svc.OutgoingEdges(ctx, a)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, RelTransforms, edges[0].Relationship)

	source, _ := f.catalog.GetDataset(ctx, a)
	require.Len(t, source.Downstream, 1)
	assert.Equal(t, b, source.Downstream[0].DatasetID)

	target, _ := f.catalog.GetDataset(ctx, b)
	require.Len(t, target.Upstream, 1)
	assert.Equal(t, a, target.Upstream[0].DatasetID)
}

// TestCreateEdge_RejectsSelfLoopsAndCycles guards the graph.
func TestCreateEdge_RejectsSelfLoopsAndCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetStaging)
	c := f.dataset(t, "C", catalog.DatasetFinal)

	_, err := f.svc.CreateEdge(ctx, a, a, RelCopies, "", nil, "", "tester")
	require.Error(t, err, "self-loops are rejected")

	_, err = f.svc.CreateEdge(ctx, a, b, RelDerivesFrom, "", nil, "", "tester")
	require.NoError(t, err)
	_, err = f.svc.CreateEdge(ctx, b, c, RelDerivesFrom, "", nil, "", "tester")
	require.NoError(t, err)

	_, err = f.svc.CreateEdge(ctx, c, a, RelDerivesFrom, "", nil, "", "tester")
	require.Error(t, err, "closing a cycle is rejected")
}

// TestAnalyzeImpact covers the A→B→C chain: depths, counts, and the
// single critical path.
func TestAnalyzeImpact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetStaging)
	c := f.dataset(t, "C", catalog.DatasetFinal)

	_, err := f.svc.CreateEdge(ctx, a, b, RelDerivesFrom, "", nil, "", "tester")
	require.NoError(t, err)
	_, err = f.svc.CreateEdge(ctx, b, c, RelAggregates, "", nil, "", "tester")
	require.NoError(t, err)

	impact, err := f.svc.AnalyzeImpact(ctx, a, false, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, impact.TotalAffected)
	depths := map[string]int{}
	for _, affected := range impact.AffectedDatasets {
		depths[affected["name"].(string)] = affected["depth"].(int)
	}
	assert.Equal(t, 1, depths["B"])
	assert.Equal(t, 2, depths["C"])

	require.Len(t, impact.CriticalPaths, 1)
	assert.Equal(t, []string{a, b, c}, impact.CriticalPaths[0])
}

// TestAnalyzeImpact_ColumnMappings emits per-column impact entries.
func TestAnalyzeImpact_ColumnMappings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetFinal)

	_, err := f.svc.CreateEdge(ctx, a, b, RelTransforms, "", map[string][]string{
		"price_usd": {"price", "fx_rate"},
	}, "", "tester")
	require.NoError(t, err)

	impact, err := f.svc.AnalyzeImpact(ctx, a, true, 10)
	require.NoError(t, err)
	require.Len(t, impact.AffectedColumns, 1)
	assert.Equal(t, "price_usd", impact.AffectedColumns[0]["column"])
	assert.Equal(t, "direct", impact.AffectedColumns[0]["impact"])
}

// TestPathFinding enumerates paths and finds the shortest.
func TestPathFinding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetStaging)
	c := f.dataset(t, "C", catalog.DatasetTransformed)
	d := f.dataset(t, "D", catalog.DatasetFinal)

	// A→B→D and A→C→D.
	for _, pair := range [][2]string{{a, b}, {b, d}, {a, c}, {c, d}} {
		_, err := f.svc.CreateEdge(ctx, pair[0], pair[1], RelDerivesFrom, "", nil, "", "tester")
		require.NoError(t, err)
	}

	paths, err := f.svc.FindPaths(ctx, a, d, 10)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	for _, path := range paths {
		assert.Len(t, path, 3)
	}

	shortest, err := f.svc.ShortestPath(ctx, a, d)
	require.NoError(t, err)
	require.NotNil(t, shortest)
	assert.Len(t, shortest, 3)

	none, err := f.svc.ShortestPath(ctx, d, a)
	require.NoError(t, err)
	assert.Nil(t, none)

	roots, err := f.svc.FindRootSources(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, roots)

	leaves, err := f.svc.FindLeafTargets(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{d}, leaves)
}

// TestBuildGraph places nodes with depth-based positions.
func TestBuildGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetStaging)
	c := f.dataset(t, "C", catalog.DatasetFinal)

	_, err := f.svc.CreateEdge(ctx, a, b, RelCopies, "staged copy", nil, "", "tester")
	require.NoError(t, err)
	_, err = f.svc.CreateEdge(ctx, b, c, RelAggregates, "", nil, "", "tester")
	require.NoError(t, err)

	graph, err := f.svc.BuildGraph(ctx, a, "downstream", 5)
	require.NoError(t, err)
	assert.Equal(t, a, graph.RootID)
	assert.Len(t, graph.Nodes, 3)
	assert.Len(t, graph.Edges, 2)
	assert.Equal(t, 2, graph.Depth)

	byID := map[string]GraphNode{}
	for _, node := range graph.Nodes {
		byID[node.ID] = node
	}
	assert.Equal(t, NodeSource, byID[a].NodeType)
	assert.Equal(t, NodeStaging, byID[b].NodeType)
	assert.Equal(t, NodeFinal, byID[c].NodeType)
	assert.Equal(t, 0.0, byID[a].Position["x"])
	assert.Equal(t, 200.0, byID[b].Position["x"])
	assert.Equal(t, 400.0, byID[c].Position["x"])

	upstream, err := f.svc.BuildGraph(ctx, c, "upstream", 5)
	require.NoError(t, err)
	assert.Len(t, upstream.Nodes, 3)
}

// TestColumnLineage traces transitively to the origin columns.
func TestColumnLineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.dataset(t, "A", catalog.DatasetSource)
	b := f.dataset(t, "B", catalog.DatasetTransformed)
	c := f.dataset(t, "C", catalog.DatasetFinal)

	require.NoError(t, f.svc.CreateColumnLineage(ctx, ColumnLineage{
		TargetDatasetID: b,
		TargetColumn:    "price_krw",
		SourceColumns:   []map[string]string{{"dataset_id": a, "column": "price"}},
		Transformation:  "currency conversion",
	}))
	require.NoError(t, f.svc.CreateColumnLineage(ctx, ColumnLineage{
		TargetDatasetID: c,
		TargetColumn:    "avg_price",
		SourceColumns:   []map[string]string{{"dataset_id": b, "column": "price_krw"}},
		Transformation:  "daily average",
	}))

	origins, err := f.svc.TraceColumnOrigin(ctx, c, "avg_price", 10)
	require.NoError(t, err)
	require.Len(t, origins, 1)
	assert.Equal(t, a, origins[0].OriginDatasetID)
	assert.Equal(t, "price", origins[0].OriginColumn)
	assert.Equal(t, 2, origins[0].Depth)
	require.Len(t, origins[0].Path, 2)
	assert.Equal(t, "daily average", origins[0].Path[0]["transformation"])

	// Upsert: replacing the mapping leaves a single row.
	require.NoError(t, f.svc.CreateColumnLineage(ctx, ColumnLineage{
		TargetDatasetID: b,
		TargetColumn:    "price_krw",
		SourceColumns:   []map[string]string{{"dataset_id": a, "column": "price_usd"}},
	}))
	lineages, err := f.svc.GetColumnLineage(ctx, b, "price_krw")
	require.NoError(t, err)
	require.Len(t, lineages, 1)
	assert.Equal(t, "price_usd", lineages[0].SourceColumns[0]["column"])
}

// TestDetectFromETL infers the relationship from the target collection
// name.
func TestDetectFromETL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.catalog.CreateDataset(ctx, &catalog.Dataset{
		Name: "crawl_results", DatasetType: catalog.DatasetStaging, CollectionName: "crawl_results",
	})
	require.NoError(t, err)
	_, err = f.catalog.CreateDataset(ctx, &catalog.Dataset{
		Name: "staging_news", DatasetType: catalog.DatasetStaging, CollectionName: "staging_news",
	})
	require.NoError(t, err)
	_, err = f.catalog.CreateDataset(ctx, &catalog.Dataset{
		Name: "summary_daily", DatasetType: catalog.DatasetAggregated, CollectionName: "summary_daily",
	})
	require.NoError(t, err)

	edge, err := f.svc.DetectFromETL(ctx, "crawl_results", "staging_news", "dag-1")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, RelCopies, edge.Relationship)
	assert.Equal(t, "dag-1", edge.JobID)
	assert.Equal(t, "auto_detection", edge.CreatedBy)

	edge, err = f.svc.DetectFromETL(ctx, "staging_news", "summary_daily", "")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, RelAggregates, edge.Relationship)

	edge, err = f.svc.DetectFromETL(ctx, "crawl_results", "unknown_collection", "")
	require.NoError(t, err)
	assert.Nil(t, edge, "unresolvable collections yield no edge")
}
