package router

import (
	"hash/fnv"
	"sort"
	"sync"
)

// lockShardCount количество шардов, должно быть степенью 2
const lockShardCount = 32

// keyLock сериализует обработку команд по идентификатору звонка.
// Идентификаторы распределяются по шардам через FNV хэш, команды для разных
// номеров в одном шарде тоже сериализуются, что допустимо.
type keyLock struct {
	shards [lockShardCount]sync.Mutex
}

func (l *keyLock) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & (lockShardCount - 1))
}

// Lock блокирует шарды всех ключей в порядке возрастания индекса
// и возвращает функцию разблокировки
func (l *keyLock) Lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		i := l.shard(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		l.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.shards[idx[j]].Unlock()
		}
	}
}
