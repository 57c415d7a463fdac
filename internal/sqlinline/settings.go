package sqlinline

const QSelectPlatformSettings = `--sql ff620fd9-e801-4cd8-9e60-f7d8efd6fb95
select image_token_price, video_token_price
from platform_settings
where id = 1
limit 1;
`

const QUpsertPlatformSettings = `--sql 3561c9f7-70aa-47f2-bbab-f9caddf30822
insert into platform_settings(id, image_token_price, video_token_price, updated_at)
values (1, $1::bigint, $2::bigint, now())
on conflict (id) do update set
  image_token_price = excluded.image_token_price,
  video_token_price = excluded.video_token_price,
  updated_at = now();
`
