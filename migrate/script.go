package migrate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of the single-key migration primitive.
type Result int

const (
	// ResultTransformed: the value was legacy-shaped and was rewritten.
	ResultTransformed Result = 1
	// ResultAlreadyCurrent: the value already matches the current schema.
	ResultAlreadyCurrent Result = 0
	// ResultAbsent: the key does not exist.
	ResultAbsent Result = -1
	// ResultMalformed: the value is not a JSON object and was left alone.
	ResultMalformed Result = -2
)

func (r Result) String() string {
	switch r {
	case ResultTransformed:
		return "transformed"
	case ResultAlreadyCurrent:
		return "already-current"
	case ResultAbsent:
		return "absent"
	case ResultMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// migrateScript performs read, shape check, transform and conditional
// rewrite in one atomic server-side round trip, preserving the remaining
// TTL. The schema is passed as arguments so one script serves any rule set.
//
// KEYS[1] key; ARGV: version field, current version, renames as a JSON array
// of [from, to] pairs, defaults as a JSON object.
var migrateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return -1
end
local ok, doc = pcall(cjson.decode, raw)
if not ok or type(doc) ~= 'table' then
	return -2
end

local vfield = ARGV[1]
local current = tonumber(ARGV[2])
local renames = cjson.decode(ARGV[3])
local defaults = cjson.decode(ARGV[4])

local needs = false
if doc[vfield] ~= nil then
	if tonumber(doc[vfield]) < current then
		needs = true
	end
else
	for _, r in ipairs(renames) do
		if doc[r[1]] ~= nil and doc[r[2]] == nil then
			needs = true
		end
	end
end
if not needs then
	return 0
end

for _, r in ipairs(renames) do
	if doc[r[1]] ~= nil and doc[r[2]] == nil then
		doc[r[2]] = doc[r[1]]
	end
	doc[r[1]] = nil
end
for field, value in pairs(defaults) do
	if doc[field] == nil then
		doc[field] = value
	end
end
doc[vfield] = current

local out = cjson.encode(doc)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], out, 'PX', ttl)
else
	redis.call('SET', KEYS[1], out)
end
return 1
`)

// MigrateKey applies the single-key migration primitive to key on the given
// shard. Idempotent: a second application reports ResultAlreadyCurrent.
func MigrateKey(ctx context.Context, client *redis.Client, schema Schema, key string) (Result, error) {
	renames := make([][2]string, 0, len(schema.Renames))
	for _, r := range schema.Renames {
		renames = append(renames, [2]string{r.From, r.To})
	}
	defaults := make(map[string]any, len(schema.Defaults))
	for _, d := range schema.Defaults {
		defaults[d.Field] = d.Value
	}

	renamesArg, err := json.Marshal(renames)
	if err != nil {
		return ResultMalformed, err
	}
	defaultsArg, err := json.Marshal(defaults)
	if err != nil {
		return ResultMalformed, err
	}

	n, err := migrateScript.Run(ctx, client, []string{key},
		schema.VersionField, schema.CurrentVersion, string(renamesArg), string(defaultsArg)).Int()
	if err != nil {
		return ResultMalformed, err
	}
	return Result(n), nil
}
