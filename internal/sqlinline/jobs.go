package sqlinline

const QInsertJob = `--sql bc8cb39a-962b-4c0d-b5a4-300addba2920
insert into jobs(
  id,
  job_type,
  status,
  payload,
  webhook_url,
  business_id,
  customer_id,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::text,
  'QUEUED',
  $3::jsonb,
  nullif($4::text, ''),
  $5::text,
  $6::text,
  now(),
  now()
) returning created_at, updated_at;
`

const QSelectJobByID = `--sql 3523b8a2-fd21-4167-a22e-d957a630d24d
select
  id::text,
  job_type,
  status,
  payload,
  result,
  coalesce(error_message, ''),
  coalesce(webhook_url, ''),
  business_id,
  customer_id,
  created_at,
  updated_at
from jobs
where id = $1::uuid
limit 1;
`

// QUpdateJobStatus only matches rows whose current status is listed in $5,
// so an empty result means either an unknown id or a rejected transition.
const QUpdateJobStatus = `--sql 5338472e-686e-46a2-aa84-9d3afd8c1d44
update jobs
set status = $2::text,
    result = case when $2::text = 'COMPLETED' then $3::jsonb else null end,
    error_message = case when $2::text = 'FAILED' then nullif($4::text, '') else null end,
    updated_at = now()
where id = $1::uuid
  and status = any($5::text[])
returning
  id::text,
  job_type,
  status,
  payload,
  result,
  coalesce(error_message, ''),
  coalesce(webhook_url, ''),
  business_id,
  customer_id,
  created_at,
  updated_at;
`
