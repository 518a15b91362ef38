// Package sqlinline holds the SQL statements used by the job registry. Each
// statement starts with a --sql marker line consumed by infra.SQLRunner for
// query-level logging and enforced by tools/sqllint.
package sqlinline

const QCreateJobsTable = `--sql b0c0670c-d482-45e7-b814-ef9d96cf9059
create table if not exists jobs (
  id            uuid primary key,
  scope         text not null,
  kind          text not null,
  status        text not null,
  total         int  not null default 0,
  completed     int  not null default 0,
  failed        int  not null default 0,
  error_message text not null default '',
  created_at    timestamptz not null default now(),
  updated_at    timestamptz not null default now(),
  completed_at  timestamptz
);
`

const QInsertJob = `--sql c288005a-9655-49c2-a31e-6160cf9f9560
insert into jobs (id, scope, kind, status, total, completed, failed)
values ($1, $2, $3, $4, 0, 0, 0);
`

const QMarkJobRunning = `--sql 3a7758a2-8d81-4029-a726-c3079b338fd3
update jobs
set status = $2, updated_at = now()
where id = $1 and status = $3;
`

const QSetJobTotal = `--sql e890ded6-0cba-4134-a4b8-70a85ea1ba07
update jobs
set total = $2, updated_at = now()
where id = $1 and status = $3;
`

const QUpdateJobProgress = `--sql 3c329d40-8195-4f07-86dd-16f918cf6c4f
update jobs
set completed = greatest(completed, $2),
    failed = greatest(failed, $3),
    updated_at = now()
where id = $1 and status = $4;
`

const QMarkJobTerminal = `--sql f0f7bedb-df67-407f-8cb4-62ed89c7bf4f
update jobs
set status = $2, error_message = $3, completed_at = now(), updated_at = now()
where id = $1 and status in ($4, $5);
`

const QGetJob = `--sql 38a6c417-fca4-453e-84bd-e21c2143bd6e
select id, scope, kind, status, total, completed, failed, error_message, created_at, completed_at
from jobs
where id = $1;
`
