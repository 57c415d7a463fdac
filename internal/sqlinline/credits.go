package sqlinline

const QEnsureCreditAccount = `--sql 43d5e556-16e9-4540-9173-1da8c8eb155a
insert into credit_accounts(business_id, customer_id, balance, reserved, updated_at)
values ($1::text, $2::text, 0, 0, now())
on conflict (business_id, customer_id) do nothing;
`

const QSelectCreditAccount = `--sql d95dd9e0-6475-4ab2-8b59-84950606e5ac
select balance, reserved, updated_at
from credit_accounts
where business_id = $1::text
  and customer_id = $2::text
limit 1;
`

// QReserveCredit returns no row when the available balance is short.
const QReserveCredit = `--sql 2c5f169d-d7d9-4ed4-af99-2a30c96afd99
update credit_accounts
set reserved = reserved + $3::bigint,
    updated_at = now()
where business_id = $1::text
  and customer_id = $2::text
  and balance - reserved >= $3::bigint
returning balance, reserved;
`

// QCommitCredit debits a job at most once. When credit_ledger already holds an
// entry for the job the reservation is dropped and that entry is returned with
// replayed = true. A concurrent first commit for the same job trips the unique
// index on credit_ledger(job_id); the caller retries and takes the replay path.
const QCommitCredit = `--sql 2b3b0375-6f33-40cd-9da7-f5ed29467289
with prior as (
  select balance_after, created_at
  from credit_ledger
  where job_id = nullif($4::text, '')::uuid
  limit 1
),
debited as (
  update credit_accounts
  set balance = balance - $3::bigint,
      reserved = reserved - $3::bigint,
      updated_at = now()
  where business_id = $1::text
    and customer_id = $2::text
    and reserved >= $3::bigint
    and balance >= $3::bigint
    and not exists (select 1 from prior)
  returning balance
),
released as (
  update credit_accounts
  set reserved = greatest(reserved - $3::bigint, 0),
      updated_at = now()
  where business_id = $1::text
    and customer_id = $2::text
    and exists (select 1 from prior)
  returning 1
),
entry as (
  insert into credit_ledger(id, business_id, customer_id, job_id, operation, amount, balance_after, created_at)
  select gen_random_uuid(), $1::text, $2::text, nullif($4::text, '')::uuid, $5::text, $3::bigint, debited.balance, now()
  from debited
  returning balance_after, created_at
)
select balance_after, created_at, false as replayed from entry
union all
select balance_after, created_at, true as replayed from prior;
`

const QReleaseCredit = `--sql 8f252e74-fc89-498c-b63f-c253b2ce0a71
update credit_accounts
set reserved = greatest(reserved - $3::bigint, 0),
    updated_at = now()
where business_id = $1::text
  and customer_id = $2::text;
`

const QTopUpCredit = `--sql cac873f1-6755-4049-9639-a0fa7fe257b5
insert into credit_accounts(business_id, customer_id, balance, reserved, updated_at)
values ($1::text, $2::text, $3::bigint, 0, now())
on conflict (business_id, customer_id) do update set
  balance = credit_accounts.balance + excluded.balance,
  updated_at = now()
returning balance, reserved, updated_at;
`
