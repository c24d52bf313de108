package shardmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/towander/nova/common"
	"github.com/towander/nova/inode"
)

func TestLookupOrLoad(t *testing.T) {
	assert := assert.New(t)
	m := MkInodeMap()

	_, ok := m.Lookup(3)
	assert.False(ok)

	loads := 0
	ip := m.LookupOrLoad(3, func() *inode.Inode {
		loads++
		return inode.MkInode(3, 0)
	})
	assert.Equal(common.Inum(3), ip.Ino)
	assert.Equal(1, loads)

	again := m.LookupOrLoad(3, func() *inode.Inode {
		loads++
		return inode.MkInode(3, 0)
	})
	assert.Same(ip, again, "second load returns the cached header")
	assert.Equal(1, loads)

	m.Delete(3)
	_, ok = m.Lookup(3)
	assert.False(ok)
}

func TestConcurrentLoadIsSingle(t *testing.T) {
	assert := assert.New(t)
	m := MkInodeMap()

	var wg sync.WaitGroup
	results := make([]*inode.Inode, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.LookupOrLoad(9, func() *inode.Inode {
				return inode.MkInode(9, 0)
			})
		}(i)
	}
	wg.Wait()
	for _, ip := range results[1:] {
		assert.Same(results[0], ip, "every caller sees one header")
	}
}
