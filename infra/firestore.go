package main

import (
	"fmt"

	"github.com/pulumi/pulumi-gcp/sdk/v7/go/gcp/firestore"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// indexField is one field of a composite index
type indexField struct {
	path  string
	order string // ASCENDING or DESCENDING
}

// indexSpec is a composite index the API's queries need
type indexSpec struct {
	name       string
	collection string
	fields     []indexField
}

// compositeIndexes mirrors the queries issued by the repositories:
// listing a merchant's links, counting active links, listing transactions
// and summing this month's inbound volume.
func compositeIndexes() []indexSpec {
	return []indexSpec{
		{
			name:       "links-by-user-created",
			collection: "payment_links",
			fields:     []indexField{{"userId", "ASCENDING"}, {"createdAt", "DESCENDING"}},
		},
		{
			name:       "links-by-user-active",
			collection: "payment_links",
			fields:     []indexField{{"userId", "ASCENDING"}, {"active", "ASCENDING"}},
		},
		{
			name:       "tx-by-user-occurred",
			collection: "transactions",
			fields:     []indexField{{"userId", "ASCENDING"}, {"occurredAt", "DESCENDING"}},
		},
		{
			name:       "tx-inbound-since",
			collection: "transactions",
			fields:     []indexField{{"userId", "ASCENDING"}, {"direction", "ASCENDING"}, {"occurredAt", "ASCENDING"}},
		},
	}
}

func newFirestore(ctx *pulumi.Context, s stack, deps []pulumi.Resource) (*firestore.Database, error) {
	db, err := firestore.NewDatabase(ctx, fmt.Sprintf("%s-firestore", s.namePrefix()), &firestore.DatabaseArgs{
		Name:                     pulumi.String(s.databaseName()),
		LocationId:               pulumi.String(s.region),
		Type:                     pulumi.String("FIRESTORE_NATIVE"),
		ConcurrencyMode:          pulumi.String("OPTIMISTIC"),
		AppEngineIntegrationMode: pulumi.String("DISABLED"),
	}, pulumi.DependsOn(deps))
	if err != nil {
		return nil, err
	}

	for _, spec := range compositeIndexes() {
		fields := make(firestore.IndexFieldArray, 0, len(spec.fields))
		for _, f := range spec.fields {
			fields = append(fields, &firestore.IndexFieldArgs{
				FieldPath: pulumi.String(f.path),
				Order:     pulumi.String(f.order),
			})
		}
		_, err := firestore.NewIndex(ctx, fmt.Sprintf("%s-index-%s", s.namePrefix(), spec.name), &firestore.IndexArgs{
			Project:    pulumi.String(s.project),
			Database:   db.Name,
			Collection: pulumi.String(spec.collection),
			Fields:     fields,
		})
		if err != nil {
			return nil, err
		}
	}

	return db, nil
}
