package redis

import "github.com/redis/go-redis/v9"

// Every read-modify-write of shared state runs as one of these scripts, so
// two writers never interleave between the read and the write.
const (
	// mergeSessionScript writes the session only when strictly newer
	mergeSessionScript = `
local session_key = KEYS[1]     -- {ns}session

local updated_at = tonumber(ARGV[1])
local state = ARGV[2]

local current = redis.call('HGET', session_key, 'updated_at_ms')
if current and tonumber(current) >= updated_at then
  return 0
end

redis.call('HSET', session_key,
  'updated_at_ms', ARGV[1],
  'state', state
)

return 1
`

	// enqueueCompletionScript appends a record if its id is unknown and was
	// never minted, then recomputes the badge counter
	enqueueCompletionScript = `
local records_key = KEYS[1]     -- {ns}completions
local order_key = KEYS[2]       -- {ns}completions:order
local dismissed_key = KEYS[3]   -- {ns}completions:dismissed
local minted_key = KEYS[4]      -- {ns}completions:minted
local badge_key = KEYS[5]       -- {ns}badge

local id = ARGV[1]
local record = ARGV[2]

if redis.call('SISMEMBER', minted_key, id) == 1 or redis.call('HEXISTS', records_key, id) == 1 then
  local badge = tonumber(redis.call('GET', badge_key) or '0')
  return {0, badge}
end

redis.call('HSET', records_key, id, record)
redis.call('RPUSH', order_key, id)

local count = redis.call('HLEN', records_key) - redis.call('SCARD', dismissed_key)
redis.call('SET', badge_key, count)

return {1, count}
`

	// dismissCompletionScript marks a queued record dismissed
	dismissCompletionScript = `
local records_key = KEYS[1]     -- {ns}completions
local dismissed_key = KEYS[2]   -- {ns}completions:dismissed
local badge_key = KEYS[3]       -- {ns}badge

local id = ARGV[1]

if redis.call('HEXISTS', records_key, id) == 0 then
  return -1
end

redis.call('SADD', dismissed_key, id)

local count = redis.call('HLEN', records_key) - redis.call('SCARD', dismissed_key)
redis.call('SET', badge_key, count)

return count
`

	// markMintedScript removes a minted record from the queue and remembers
	// its id so a later enqueue of the same completion is ignored
	markMintedScript = `
local records_key = KEYS[1]     -- {ns}completions
local order_key = KEYS[2]       -- {ns}completions:order
local dismissed_key = KEYS[3]   -- {ns}completions:dismissed
local minted_key = KEYS[4]      -- {ns}completions:minted
local badge_key = KEYS[5]       -- {ns}badge
local minted_count_key = KEYS[6] -- {ns}minted

local id = ARGV[1]

if redis.call('HEXISTS', records_key, id) == 0 then
  return -1
end

redis.call('HDEL', records_key, id)
redis.call('LREM', order_key, 0, id)
redis.call('SREM', dismissed_key, id)
redis.call('SADD', minted_key, id)
redis.call('INCR', minted_count_key)

local count = redis.call('HLEN', records_key) - redis.call('SCARD', dismissed_key)
redis.call('SET', badge_key, count)

return count
`

	// claimMintScript takes the per-id mint claim. The claim expires so a
	// crashed minter cannot block the record forever.
	claimMintScript = `
local records_key = KEYS[1]   -- {ns}completions
local claim_key = KEYS[2]     -- {ns}completions:minting:<id>

local id = ARGV[1]
local ttl_ms = ARGV[2]

if redis.call('HEXISTS', records_key, id) == 0 then
  return -1
end

if redis.call('SET', claim_key, '1', 'NX', 'PX', ttl_ms) then
  return 1
end
return 0
`

	// addCustomSiteScript inserts or replaces a custom site, keeping order
	addCustomSiteScript = `
local sites_key = KEYS[1]       -- {ns}settings:sites
local order_key = KEYS[2]       -- {ns}settings:sites:order
local settings_key = KEYS[3]    -- {ns}settings

local pattern = ARGV[1]
local site = ARGV[2]
local updated_at = ARGV[3]

if redis.call('HEXISTS', sites_key, pattern) == 0 then
  redis.call('RPUSH', order_key, pattern)
end

redis.call('HSET', sites_key, pattern, site)
redis.call('HSET', settings_key, 'updated_at_ms', updated_at)
redis.call('HINCRBY', settings_key, 'version', 1)

return redis.call('HLEN', sites_key)
`

	// removeCustomSiteScript deletes a custom site by pattern
	removeCustomSiteScript = `
local sites_key = KEYS[1]       -- {ns}settings:sites
local order_key = KEYS[2]       -- {ns}settings:sites:order
local settings_key = KEYS[3]    -- {ns}settings

local pattern = ARGV[1]
local updated_at = ARGV[2]

local removed = redis.call('HDEL', sites_key, pattern)
if removed == 1 then
  redis.call('LREM', order_key, 0, pattern)
  redis.call('HSET', settings_key, 'updated_at_ms', updated_at)
  redis.call('HINCRBY', settings_key, 'version', 1)
end

return removed
`
)

var (
	mergeSession      = redis.NewScript(mergeSessionScript)
	enqueueCompletion = redis.NewScript(enqueueCompletionScript)
	dismissCompletion = redis.NewScript(dismissCompletionScript)
	markMinted        = redis.NewScript(markMintedScript)
	claimMint         = redis.NewScript(claimMintScript)
	addCustomSite     = redis.NewScript(addCustomSiteScript)
	removeCustomSite  = redis.NewScript(removeCustomSiteScript)
)
