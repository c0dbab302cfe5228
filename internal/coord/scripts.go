package coord

import "github.com/redis/go-redis/v9"

// writeScript 创建或覆盖节点，并在同一事务内追加变更事件。
//
// KEYS[1]          事件 Stream
// KEYS[1+i]        第 i 层节点 Hash（i = 1..n，第 n 层为目标节点）
// KEYS[1+n+i]      第 i 层节点父节点的子节点 Set
// ARGV[1..6]       n, data, mode, ttlMs, nowMs, maxlen
// ARGV[6+i]        第 i 层节点名称
// ARGV[6+n+i]      第 i 层节点完整路径
//
// 返回写入后的版本号。
var writeScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local data = ARGV[2]
local mode = ARGV[3]
local ttl = tonumber(ARGV[4])
local now = ARGV[5]
local maxlen = ARGV[6]
local stream = KEYS[1]

-- 补齐缺失的中间节点（持久）
for i = 1, n - 1 do
	local nodeKey = KEYS[1 + i]
	if redis.call('EXISTS', nodeKey) == 0 then
		redis.call('HSET', nodeKey, 'data', '', 'version', '0', 'mode', 'persistent', 'ctime', now, 'mtime', now)
		redis.call('XADD', stream, 'MAXLEN', '~', maxlen, '*', 'path', ARGV[6 + n + i], 'kind', 'add', 'version', '0', 'data', '')
	end
	redis.call('SADD', KEYS[1 + n + i], ARGV[6 + i])
end

local target = KEYS[1 + n]
local path = ARGV[6 + n + n]

-- 已存在：覆盖数据，类型保持不变
if redis.call('EXISTS', target) == 1 then
	local version = redis.call('HINCRBY', target, 'version', 1)
	redis.call('HSET', target, 'data', data, 'mtime', now)
	redis.call('XADD', stream, 'MAXLEN', '~', maxlen, '*', 'path', path, 'kind', 'update', 'version', tostring(version), 'data', data)
	return version
end

redis.call('HSET', target, 'data', data, 'version', '0', 'mode', mode, 'ctime', now, 'mtime', now)
if ttl > 0 then
	redis.call('PEXPIRE', target, ttl)
end
redis.call('SADD', KEYS[1 + n + n], ARGV[6 + n])
redis.call('XADD', stream, 'MAXLEN', '~', maxlen, '*', 'path', path, 'kind', 'add', 'version', '0', 'data', data)
return 0
`)

// deleteScript 删除单个节点（不含子树）并追加删除事件。
//
// KEYS: stream, node, node children, parent children
// ARGV: path, name, maxlen
//
// 节点不存在时返回 0，否则返回 1。
var deleteScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[2])
redis.call('SREM', KEYS[4], ARGV[2])
redis.call('DEL', KEYS[3])
if exists == 0 then
	return 0
end

local version = redis.call('HGET', KEYS[2], 'version')
if not version then
	version = '0'
end
redis.call('DEL', KEYS[2])
redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[3], '*', 'path', ARGV[1], 'kind', 'delete', 'version', version, 'data', '')
return 1
`)

// pruneScript 从子节点集合中移除已消失的节点。
// 每个候选名称在 SREM 前重新检查 EXISTS，期间被重新创建的节点保留。
//
// KEYS: children, node...
// ARGV: name...
//
// 返回移除的数量。
var pruneScript = redis.NewScript(`
local removed = 0
for i = 2, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 0 then
		removed = removed + redis.call('SREM', KEYS[1], ARGV[i - 1])
	end
end
return removed
`)

// unlockScript 仅当 token 匹配时删除锁。
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
