package sqlinline

// QSchema creates every table the pipeline uses. It is idempotent.
const QSchema = `--sql 8ba9c320-bbb9-4c42-95ec-9723bfd31436
create extension if not exists pgcrypto;

create table if not exists jobs (
  id            uuid primary key,
  job_type      text not null,
  status        text not null check (status in ('QUEUED', 'RUNNING', 'COMPLETED', 'FAILED')),
  payload       jsonb not null default '{}'::jsonb,
  result        jsonb,
  error_message text,
  webhook_url   text,
  business_id   text not null,
  customer_id   text not null default '',
  created_at    timestamptz not null default now(),
  updated_at    timestamptz not null default now(),
  check (result is null or error_message is null)
);

create index if not exists jobs_business_idx on jobs (business_id, created_at desc);

create table if not exists job_queue (
  id          uuid primary key,
  job_id      uuid not null,
  job_type    text not null,
  payload     jsonb not null default '{}'::jsonb,
  attempts    int not null default 0,
  receipt     uuid,
  enqueued_at timestamptz not null default now(),
  visible_at  timestamptz not null default now()
);

create index if not exists job_queue_visible_idx on job_queue (visible_at, enqueued_at);

create table if not exists credit_accounts (
  business_id text not null,
  customer_id text not null default '',
  balance     bigint not null default 0 check (balance >= 0),
  reserved    bigint not null default 0 check (reserved >= 0),
  updated_at  timestamptz not null default now(),
  primary key (business_id, customer_id)
);

create table if not exists credit_ledger (
  id            uuid primary key,
  business_id   text not null,
  customer_id   text not null,
  job_id        uuid,
  operation     text not null,
  amount        bigint not null,
  balance_after bigint not null,
  created_at    timestamptz not null default now()
);

create unique index if not exists credit_ledger_job_uidx on credit_ledger (job_id) where job_id is not null;

create table if not exists platform_settings (
  id                int primary key check (id = 1),
  image_token_price bigint not null default 1,
  video_token_price bigint not null default 5,
  updated_at        timestamptz not null default now()
);

-- An empty space is the provider-wide default token.
create table if not exists space_tokens (
  provider   text not null,
  space      text not null default '',
  token      text not null,
  expires_at timestamptz,
  updated_at timestamptz not null default now(),
  primary key (provider, space)
);
`
