package sqlinline

const QQueueEnqueue = `--sql 3e95d8b0-47bf-42e1-88c7-ee73ff47bcf8
with ins as (
  insert into job_queue(id, job_id, job_type, payload, attempts, enqueued_at, visible_at)
  values (gen_random_uuid(), $1::uuid, $2::text, $3::jsonb, 0, now(), now())
  returning id
)
select pg_notify($4::text, ins.id::text) from ins;
`

// QQueueClaim leases the oldest visible message for $1 milliseconds and
// issues a fresh receipt so that a late ack from a previous lease is ignored.
const QQueueClaim = `--sql 0c4e16b5-eb72-4c0e-929e-583789bce1ca
with next_message as (
  select id
  from job_queue
  where visible_at <= now()
  order by enqueued_at asc
  for update skip locked
  limit 1
)
update job_queue q
set visible_at = now() + ($1::bigint * interval '1 millisecond'),
    attempts = q.attempts + 1,
    receipt = gen_random_uuid()
from next_message
where q.id = next_message.id
returning q.id::text, q.receipt::text, q.job_id::text, q.job_type, q.payload, q.attempts;
`

const QQueueAck = `--sql 1fa4b94c-ab4d-4569-aa80-8d013f938442
delete from job_queue
where id = $1::uuid
  and receipt = $2::uuid;
`
