package sqlinline

// QSelectSpaceTokens returns every unexpired token of a provider as one JSON
// array, so callers read it with a single row scan.
const QSelectSpaceTokens = `--sql 738d5753-8ea3-4db1-be5f-36a02123551f
select coalesce(
  jsonb_agg(jsonb_build_object('space', space, 'token', token, 'expires_at', expires_at) order by space),
  '[]'::jsonb
)
from space_tokens
where provider = $1::text
  and (expires_at is null or expires_at > now());
`

const QUpsertSpaceToken = `--sql 4f738f45-9d99-4451-bab8-d243bad16709
insert into space_tokens (provider, space, token, expires_at, updated_at)
values ($1::text, $2::text, $3::text, $4::timestamptz, now())
on conflict (provider, space) do update set
  token = excluded.token,
  expires_at = excluded.expires_at,
  updated_at = now();
`
