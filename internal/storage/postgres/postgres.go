package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the pgx-backed repositories over one pool.
type Store struct {
	Jobs    *JobArchive
	Credits *CreditStore
	Queue   *CrawlQueue
	History *History
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Jobs:    &JobArchive{pool: pool},
		Credits: &CreditStore{pool: pool},
		Queue:   &CrawlQueue{pool: pool},
		History: &History{pool: pool},
	}
}
