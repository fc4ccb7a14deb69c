package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNoCursor 表示该用户没有缓存的光标位置。
var ErrNoCursor = errors.New("cache: no cursor for member")

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
	Sessions(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// 清理过期成员
// KEYS[1] = roomKey(sessionID)
// KEYS[2] = namesKey(sessionID)
// ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// 具体实现：基于 redis 的 PresenceCache。单机和集群客户端都可以。
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	tx.SAdd(ctx, sessionsKey(), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoCursor
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: id, Username: name})
	}
	return members, nil
}

// 内存实现：没有配置 redis 时使用（单实例部署、测试）
type memoryPresence struct {
	mu      sync.Mutex
	now     func() time.Time
	rooms   map[string]map[string]memoryMember
	cursors map[string]memoryCursor
}

type memoryMember struct {
	name     string
	expireAt time.Time
}

type memoryCursor struct {
	data     []byte
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{
		now:     time.Now,
		rooms:   make(map[string]map[string]memoryMember),
		cursors: make(map[string]memoryCursor),
	}
}

func (p *memoryPresence) AddMember(_ context.Context, sessionID, userID, username string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[sessionID]
	if !ok {
		room = make(map[string]memoryMember)
		p.rooms[sessionID] = room
	}
	room[userID] = memoryMember{name: username, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) RemoveMember(_ context.Context, sessionID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[sessionID]
	delete(room, userID)
	if len(room) == 0 {
		delete(p.rooms, sessionID)
	}
	return nil
}

func (p *memoryPresence) Sessions(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *memoryPresence) AliveMembers(_ context.Context, sessionID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	room := p.rooms[sessionID]
	var members []PresenceMember
	for id, m := range room {
		if !m.expireAt.After(now) {
			delete(room, id)
			continue
		}
		members = append(members, PresenceMember{UserID: id, Username: m.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (p *memoryPresence) SetCursor(_ context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[cursorKey(sessionID, userID)] = memoryCursor{
		data:     append([]byte(nil), jsonData...),
		expireAt: p.now().Add(ttl),
	}
	return nil
}

func (p *memoryPresence) GetCursor(_ context.Context, sessionID, userID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[cursorKey(sessionID, userID)]
	if !ok || !c.expireAt.After(p.now()) {
		return nil, ErrNoCursor
	}
	return append([]byte(nil), c.data...), nil
}
