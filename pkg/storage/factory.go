package storage

import (
	"fmt"
)

// ProviderType represents the type of storage provider
type ProviderType string

const (
	// MemoryProviderType is an in-memory storage provider
	MemoryProviderType ProviderType = "memory"

	// SQLiteProviderType is an embedded SQLite storage provider
	SQLiteProviderType ProviderType = "sqlite"

	// DynamoDBProviderType is a DynamoDB storage provider
	DynamoDBProviderType ProviderType = "dynamodb"

	// PostgreSQLProviderType is a PostgreSQL storage provider
	PostgreSQLProviderType ProviderType = "postgresql"
)

// ProviderConfig contains configuration for storage providers
type ProviderConfig struct {
	// Type is the type of storage provider to create
	Type ProviderType

	// SQLite contains configuration for the SQLite provider
	SQLite *SQLiteProviderConfig

	// DynamoDB contains configuration for the DynamoDB provider
	DynamoDB *DynamoDBProviderConfig

	// PostgreSQL contains configuration for the PostgreSQL provider
	PostgreSQL *PostgreSQLProviderConfig
}

// NewProvider creates a new storage provider based on the configuration
func NewProvider(config ProviderConfig) (StorageProvider, error) {
	switch config.Type {
	case MemoryProviderType, "":
		return NewMemoryProvider(), nil

	case SQLiteProviderType:
		if config.SQLite == nil {
			return NewSQLiteProvider(SQLiteProviderConfig{})
		}
		return NewSQLiteProvider(*config.SQLite)

	case DynamoDBProviderType:
		if config.DynamoDB == nil {
			return nil, fmt.Errorf("DynamoDB configuration is required for DynamoDB provider")
		}
		return NewDynamoDBProvider(*config.DynamoDB)

	case PostgreSQLProviderType, "postgres":
		if config.PostgreSQL == nil {
			return nil, fmt.Errorf("PostgreSQL configuration is required for PostgreSQL provider")
		}
		return NewPostgreSQLProvider(*config.PostgreSQL)

	default:
		return nil, fmt.Errorf("unknown provider type: %s", config.Type)
	}
}
