package ledger

import "github.com/redis/go-redis/v9"

// Ban values written by this service start with "auditor_". Any other value
// is a provisional ban from the upstream scorer.
const strengthFn = `
local function strength(v)
  if not v then return 0 end
  if string.sub(v, 1, 8) == "auditor_" then return 2 end
  return 1
end
`

// positiveArgs fails the call before any write when a TTL or threshold
// argument is missing or not positive.
const positiveArgs = `
local function positive(...)
  for _, i in ipairs({...}) do
    local n = tonumber(ARGV[i])
    if not n or n <= 0 then
      return redis.error_reply("ERR ARGV[" .. i .. "] must be a positive integer")
    end
  end
  return nil
end
`

// KEYS[1] ban, KEYS[2] strikes, KEYS[3] applied marker
// ARGV[1] strike ttl ms, ARGV[2] standard ban ttl ms, ARGV[3] extended ban ttl ms,
// ARGV[4] extended threshold, ARGV[5] reason, ARGV[6] marker ttl ms
//
// Returns {applied, strikes, written, ban pttl, prior strength}. applied is -1
// when the marker already existed. All reads and checks happen before the
// first write.
var confirmScript = redis.NewScript(strengthFn + positiveArgs + `
local bad = positive(1, 2, 3, 4, 6)
if bad then return bad end

local prior = redis.call("GET", KEYS[3])
if prior then
  local n = tonumber(string.match(prior, "^c:(%d+)$") or "0")
  return {-1, n, 0, redis.call("PTTL", KEYS[1]), strength(redis.call("GET", KEYS[1]))}
end

local current = redis.call("GET", KEYS[1])
local s = strength(current)
local remaining = redis.call("PTTL", KEYS[1])
local count = redis.call("GET", KEYS[2])
if count and not tonumber(count) then
  return redis.error_reply("ERR strike counter is not an integer")
end

local strikes = redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])

local ttl = ARGV[2]
local tier = "auditor_confirmed_ban"
if strikes >= tonumber(ARGV[4]) then
  ttl = ARGV[3]
  tier = "auditor_extended_ban"
end

local written = 0
if s < 2 or (remaining >= 0 and remaining < tonumber(ttl)) then
  redis.call("SET", KEYS[1], tier .. "|strike_" .. strikes .. "|" .. ARGV[5], "PX", ttl)
  written = 1
end

redis.call("SET", KEYS[3], "c:" .. strikes, "PX", ARGV[6])
return {1, strikes, written, redis.call("PTTL", KEYS[1]), s}
`)

// KEYS[1] ban, KEYS[2] applied marker
// ARGV[1] highest strength this pardon may remove, ARGV[2] marker ttl ms
//
// Returns {status, prior strength, removed} where status is one of the
// pardonStatus values below.
var pardonScript = redis.NewScript(strengthFn + positiveArgs + `
local bad = positive(1, 2)
if bad then return bad end

if redis.call("EXISTS", KEYS[2]) == 1 then
  return {-1, strength(redis.call("GET", KEYS[1])), 0}
end

local s = strength(redis.call("GET", KEYS[1]))
if s == 0 then
  return {0, 0, 0}
end

local status = 2
local removed = 0
if s <= tonumber(ARGV[1]) then
  removed = redis.call("DEL", KEYS[1])
  status = 1
end

redis.call("SET", KEYS[2], "p:" .. status, "PX", ARGV[2])
return {status, s, removed}
`)

const (
	pardonDuplicate  = -1
	pardonIdle       = 0
	pardonRemoved    = 1
	pardonSuperseded = 2
)
