package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/policybot/ingestion"
)

const (
	SourceKindDirectory   = "directory"
	SourceKindSpreadsheet = "spreadsheet"
)

// CatalogEntry is one document as recorded in the graph.
type CatalogEntry struct {
	Name      string
	Path      string
	Format    string
	SHA256    string
	HasText   bool
	Source    string
	UpdatedAt time.Time
}

// Neo4jCatalog mirrors the current document set into Neo4j as
// (:Document)-[:FROM_SOURCE]->(:Source) so operators can audit which
// documents feed answers.
type Neo4jCatalog struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jCatalog(driver neo4j.DriverWithContext) (*Neo4jCatalog, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	return &Neo4jCatalog{driver: driver}, nil
}

// Sync replaces the catalog with docs. Documents no longer present are
// removed, and so are sources left without documents.
func (c *Neo4jCatalog) Sync(ctx context.Context, docs []ingestion.Document) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	paths := make([]string, 0, len(docs))
	for _, doc := range docs {
		paths = append(paths, catalogKey(doc))
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, doc := range docs {
			params := map[string]any{
				"path":     catalogKey(doc),
				"name":     doc.Name,
				"format":   string(doc.Format),
				"sha":      doc.SHA256,
				"has_text": strings.TrimSpace(doc.Body) != "",
				"source":   sourceKind(doc),
			}
			if _, err := tx.Run(ctx, `
				MERGE (d:Document {path: $path})
				SET d.name = $name,
				    d.format = $format,
				    d.sha256 = $sha,
				    d.has_text = $has_text,
				    d.updated_at = datetime()
			`, params); err != nil {
				return nil, fmt.Errorf("upsert document node %s: %w", doc.Name, err)
			}
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {path: $path})-[r:FROM_SOURCE]->(:Source)
				DELETE r
			`, params); err != nil {
				return nil, fmt.Errorf("remove stale source relation: %w", err)
			}
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {path: $path})
				MERGE (s:Source {kind: $source})
				MERGE (d)-[:FROM_SOURCE]->(s)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert source relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document)
			WHERE NOT d.path IN $paths
			DETACH DELETE d
		`, map[string]any{"paths": paths}); err != nil {
			return nil, fmt.Errorf("remove missing documents: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (s:Source)
			WHERE NOT (s)<-[:FROM_SOURCE]-(:Document)
			DELETE s
		`, nil); err != nil {
			return nil, fmt.Errorf("remove empty sources: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	return nil
}

// Documents lists the catalog ordered by name.
func (c *Neo4jCatalog) Documents(ctx context.Context) ([]CatalogEntry, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (d:Document)
			OPTIONAL MATCH (d)-[:FROM_SOURCE]->(s:Source)
			RETURN d.name AS name, d.path AS path, d.format AS format, d.sha256 AS sha,
			       d.has_text AS has_text, s.kind AS source, d.updated_at AS updated_at
			ORDER BY d.name
		`, nil)
		if err != nil {
			return nil, err
		}

		var entries []CatalogEntry
		for res.Next(ctx) {
			record := res.Record()
			entry := CatalogEntry{
				Name:   recordString(record, "name"),
				Path:   recordString(record, "path"),
				Format: recordString(record, "format"),
				SHA256: recordString(record, "sha"),
				Source: recordString(record, "source"),
			}
			if v, ok := record.Get("has_text"); ok {
				entry.HasText, _ = v.(bool)
			}
			if v, ok := record.Get("updated_at"); ok {
				entry.UpdatedAt, _ = v.(time.Time)
			}
			entries = append(entries, entry)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	entries, _ := result.([]CatalogEntry)
	return entries, nil
}

// Purge deletes every Document and Source node.
func (c *Neo4jCatalog) Purge(ctx context.Context) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, "MATCH (n) WHERE n:Document OR n:Source DETACH DELETE n", nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("purge catalog: %w", err)
	}
	return nil
}

func catalogKey(doc ingestion.Document) string {
	if doc.Path != "" {
		return doc.Path
	}
	return doc.Name
}

func sourceKind(doc ingestion.Document) string {
	if doc.Name == ingestion.SheetSourceName {
		return SourceKindSpreadsheet
	}
	return SourceKindDirectory
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
