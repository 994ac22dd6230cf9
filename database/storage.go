package database

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"go.etcd.io/bbolt"

	"spvkit/blockchain"
	"spvkit/network"
)

const DefaultDBFile = "spvkit.db"

var (
	blocksBucket      = []byte("blocks")
	heightIndexBucket = []byte("height-index")
	blockHashBucket   = []byte("block-hashes")
	hashIndexBucket   = []byte("block-hash-index")
	peersBucket       = []byte("peers")
)

// Store persists accepted headers, block hashes waiting to be fetched and
// known peer addresses in one bbolt file.
//
// Blocks are keyed by hash. The height index keys are height||hash so that
// cursors walk blocks in height order, which BlockByStale and AddBlocks
// rely on.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, heightIndexBucket, blockHashBucket, hashIndexBucket, peersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt database.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// heightKey orders signed heights so that UnknownHeight sorts first.
func heightKey(height int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height)^0x80000000)
	return key[:]
}

func keyHeight(key []byte) int32 {
	return int32(binary.BigEndian.Uint32(key[:4]) ^ 0x80000000)
}

func indexKey(height int32, hash chainhash.Hash) []byte {
	return append(heightKey(height), hash[:]...)
}

// Block records are the 80 byte header followed by height and stale flag.
func encodeBlock(block *blockchain.Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(btcwire.MaxBlockHeaderPayload + 5)
	if err := block.Header.Serialize(&buf); err != nil {
		return nil, err
	}
	buf.Write(heightKey(block.Height))
	if block.Stale {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func decodeBlock(hash chainhash.Hash, data []byte) (*blockchain.Block, error) {
	if len(data) != btcwire.MaxBlockHeaderPayload+5 {
		return nil, fmt.Errorf("corrupt block record %v: %d bytes", hash, len(data))
	}
	var header btcwire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(data[:btcwire.MaxBlockHeaderPayload])); err != nil {
		return nil, err
	}
	block := blockchain.NewBlock(&header, hash, keyHeight(data[btcwire.MaxBlockHeaderPayload:]))
	block.Stale = data[len(data)-1] == 1
	return block, nil
}

func putBlock(tx *bbolt.Tx, block *blockchain.Block) error {
	data, err := encodeBlock(block)
	if err != nil {
		return err
	}
	if err := tx.Bucket(blocksBucket).Put(block.Hash[:], data); err != nil {
		return err
	}
	stale := []byte{0}
	if block.Stale {
		stale[0] = 1
	}
	return tx.Bucket(heightIndexBucket).Put(indexKey(block.Height, block.Hash), stale)
}

func getBlock(tx *bbolt.Tx, hash chainhash.Hash) (*blockchain.Block, error) {
	data := tx.Bucket(blocksBucket).Get(hash[:])
	if data == nil {
		return nil, blockchain.ErrBlockNotFound
	}
	return decodeBlock(hash, data)
}

func (s *Store) Block(hash chainhash.Hash) (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		block, err = getBlock(tx, hash)
		return err
	})
	return block, err
}

// LastBlock returns the highest stored block, stale or not.
func (s *Store) LastBlock() (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		key, _ := tx.Bucket(heightIndexBucket).Cursor().Last()
		if key == nil {
			return blockchain.ErrBlockNotFound
		}
		var err error
		block, err = getBlock(tx, chainhash.Hash(key[4:]))
		return err
	})
	return block, err
}

// BlockByStale returns the lowest or highest block whose stale flag matches.
func (s *Store) BlockByStale(stale bool, order blockchain.SortOrder) (*blockchain.Block, error) {
	want := byte(0)
	if stale {
		want = 1
	}

	var block *blockchain.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(heightIndexBucket).Cursor()
		first, next := c.First, c.Next
		if order == blockchain.SortDescending {
			first, next = c.Last, c.Prev
		}
		for k, v := first(); k != nil; k, v = next() {
			if v[0] == want {
				var err error
				block, err = getBlock(tx, chainhash.Hash(k[4:]))
				return err
			}
		}
		return blockchain.ErrBlockNotFound
	})
	return block, err
}

// AddBlocks stores blocks in one transaction. Any other block already
// stored at one of their heights is marked stale.
func (s *Store) AddBlocks(blocks []*blockchain.Block) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(heightIndexBucket)
		for _, block := range blocks {
			prefix := heightKey(block.Height)

			var displaced []chainhash.Hash
			c := index.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				hash := chainhash.Hash(k[4:])
				if hash != block.Hash && v[0] == 0 {
					displaced = append(displaced, hash)
				}
			}
			for _, hash := range displaced {
				old, err := getBlock(tx, hash)
				if err != nil {
					return err
				}
				old.Stale = true
				if err := putBlock(tx, old); err != nil {
					return err
				}
			}

			stored := *block
			stored.Stale = false
			if err := putBlock(tx, &stored); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddBlockHashes queues block hashes for download. Re-adding a hash moves
// it to its new height.
func (s *Store) AddBlockHashes(hashes []blockchain.BlockHash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(blockHashBucket)
		index := tx.Bucket(hashIndexBucket)
		for _, bh := range hashes {
			if old := index.Get(bh.Hash[:]); old != nil {
				if err := queue.Delete(old); err != nil {
					return err
				}
			}
			key := indexKey(bh.Height, bh.Hash)
			if err := queue.Put(key, nil); err != nil {
				return err
			}
			if err := index.Put(bh.Hash[:], key); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlockHashes returns up to limit queued hashes in ascending height order.
// A limit of zero or less returns all of them.
func (s *Store) BlockHashes(limit int) ([]blockchain.BlockHash, error) {
	var hashes []blockchain.BlockHash
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(blockHashBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(hashes) == limit {
				break
			}
			hashes = append(hashes, blockchain.BlockHash{
				Hash:   chainhash.Hash(k[4:]),
				Height: keyHeight(k),
			})
		}
		return nil
	})
	return hashes, err
}

// RemoveBlockHash drops a fetched hash from the queue. Unknown hashes are
// ignored.
func (s *Store) RemoveBlockHash(hash chainhash.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(hashIndexBucket)
		key := index.Get(hash[:])
		if key == nil {
			return nil
		}
		if err := tx.Bucket(blockHashBucket).Delete(key); err != nil {
			return err
		}
		return index.Delete(hash[:])
	})
}

type peerRecord struct {
	Score    int32
	LastSeen int64
}

// SavePeerAddress inserts or replaces an address record.
func (s *Store) SavePeerAddress(addr network.PeerAddress) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(peerRecord{Score: addr.Score, LastSeen: addr.LastSeen.Unix()}); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(addr.Host), buf.Bytes())
	})
}

// PeerAddresses returns every stored address.
func (s *Store) PeerAddresses() ([]network.PeerAddress, error) {
	var addrs []network.PeerAddress
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var rec peerRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("corrupt peer record %s: %w", k, err)
			}
			addrs = append(addrs, network.PeerAddress{
				Host:     string(k),
				Score:    rec.Score,
				LastSeen: time.Unix(rec.LastSeen, 0),
			})
			return nil
		})
	})
	return addrs, err
}

func (s *Store) DeletePeerAddress(host string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Delete([]byte(host))
	})
}
