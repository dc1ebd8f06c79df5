package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/forum-sync/forum"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.forum-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	postsBucket = []byte("posts")
	orderKey    = []byte("order")
	savedAtKey  = []byte("saved_at")
)

// State wraps a bbolt database holding the last reconciled snapshot of
// the forum, used to show something before the first refresh completes.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(postsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SavePosts replaces the stored snapshot with posts in one transaction.
// The arrival order is kept alongside so a restore reproduces it.
func (s *State) SavePosts(posts []forum.Post, at time.Time) error {
	order := make([]string, 0, len(posts))
	for _, p := range posts {
		order = append(order, p.ID)
	}

	orderData, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encoding post order: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(postsBucket); err != nil {
			return fmt.Errorf("clearing posts: %w", err)
		}

		b, err := tx.CreateBucket(postsBucket)
		if err != nil {
			return fmt.Errorf("recreating posts bucket: %w", err)
		}

		for _, p := range posts {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encoding post %s: %w", p.ID, err)
			}

			if err := b.Put([]byte(p.ID), data); err != nil {
				return err
			}
		}

		app := tx.Bucket(appBucket)
		if err := app.Put(orderKey, orderData); err != nil {
			return err
		}

		return app.Put(savedAtKey, []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// LoadPosts returns the stored snapshot in its saved order. Posts
// missing from the order list (an older database) are appended.
func (s *State) LoadPosts() ([]forum.Post, error) {
	var posts []forum.Post

	err := s.db.View(func(tx *bolt.Tx) error {
		byID := make(map[string]forum.Post)

		err := tx.Bucket(postsBucket).ForEach(func(k, v []byte) error {
			var p forum.Post
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decoding post %s: %w", k, err)
			}

			byID[string(k)] = p

			return nil
		})
		if err != nil {
			return err
		}

		var order []string
		if v := tx.Bucket(appBucket).Get(orderKey); v != nil {
			if err := json.Unmarshal(v, &order); err != nil {
				return fmt.Errorf("decoding post order: %w", err)
			}
		}

		posts = make([]forum.Post, 0, len(byID))

		for _, id := range order {
			if p, ok := byID[id]; ok {
				posts = append(posts, p)
				delete(byID, id)
			}
		}

		// ForEach walks keys in byte order; keep that for leftovers.
		_ = tx.Bucket(postsBucket).ForEach(func(k, _ []byte) error {
			if p, ok := byID[string(k)]; ok {
				posts = append(posts, p)
			}

			return nil
		})

		return nil
	})

	return posts, err
}

// SavedAt returns when the snapshot was last written, or the zero time.
func (s *State) SavedAt() time.Time {
	var at time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(savedAtKey)
		if v == nil {
			return nil
		}

		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err == nil {
			at = t
		}

		return nil
	})

	return at
}
