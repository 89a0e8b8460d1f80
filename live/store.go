package live

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// local key/value storage that survives full page reloads.
// The runtime uses it only for the consecutive reload counter of each view name.
type LocalStore interface {
	Get(namespace string, subkey string) (int, bool)
	// stores `initial` if there is no value, otherwise `update(current)`. Returns the stored value.
	Update(namespace string, subkey string, initial int, update func(int) int) int
	Drop(namespace string, subkey string)
}

func localKey(namespace string, subkey string) string {
	return fmt.Sprintf("%s-%s", namespace, subkey)
}

type MemoryStore struct {
	stateLock sync.Mutex
	values    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string]int{},
	}
}

func (self *MemoryStore) Get(namespace string, subkey string) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.values[localKey(namespace, subkey)]
	return value, ok
}

func (self *MemoryStore) Update(namespace string, subkey string, initial int, update func(int) int) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	key := localKey(namespace, subkey)
	value, ok := self.values[key]
	if ok {
		value = update(value)
	} else {
		value = initial
	}
	self.values[key] = value
	return value
}

func (self *MemoryStore) Drop(namespace string, subkey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.values, localKey(namespace, subkey))
}

var localBucket = []byte("local")

type BoltStoreSettings struct {
	OpenTimeout time.Duration
}

func DefaultBoltStoreSettings() *BoltStoreSettings {
	return &BoltStoreSettings{
		OpenTimeout: 1 * time.Second,
	}
}

// a `LocalStore` persisted in a bolt file, shared by every process on the host
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStoreWithDefaults(path string) (*BoltStore, error) {
	return OpenBoltStore(path, DefaultBoltStoreSettings())
}

func OpenBoltStore(path string, settings *BoltStoreSettings) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: settings.OpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open local store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(localBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create local bucket")
	}
	return &BoltStore{
		db: db,
	}, nil
}

func (self *BoltStore) Get(namespace string, subkey string) (value int, ok bool) {
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(localBucket).Get([]byte(localKey(namespace, subkey)))
		if b == nil {
			return nil
		}
		var err error
		value, err = strconv.Atoi(string(b))
		ok = err == nil
		return err
	})
	if err != nil {
		glog.Infof("[store]get %s error = %s\n", localKey(namespace, subkey), err)
	}
	return
}

func (self *BoltStore) Update(namespace string, subkey string, initial int, update func(int) int) (value int) {
	key := []byte(localKey(namespace, subkey))
	err := self.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(localBucket)
		value = initial
		if b := bucket.Get(key); b != nil {
			if current, err := strconv.Atoi(string(b)); err == nil {
				value = update(current)
			}
		}
		return bucket.Put(key, []byte(strconv.Itoa(value)))
	})
	if err != nil {
		glog.Infof("[store]update %s error = %s\n", key, err)
	}
	return
}

func (self *BoltStore) Drop(namespace string, subkey string) {
	err := self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localBucket).Delete([]byte(localKey(namespace, subkey)))
	})
	if err != nil {
		glog.Infof("[store]drop %s error = %s\n", localKey(namespace, subkey), err)
	}
}

func (self *BoltStore) Close() error {
	return self.db.Close()
}
