package sqlinline

const QInsertGeneratedImage = `--sql 29eb7d89-6dea-4772-872f-2258de4cfd6e
insert into generated_images(
  id,
  user_id,
  image_url,
  prompt,
  style,
  ratio,
  lora_scale,
  seed,
  pipeline_id,
  workflow,
  is_video
)
values (
  gen_random_uuid(),
  $1::uuid,
  $2::text,
  $3::text,
  $4::text,
  $5::text,
  $6::numeric,
  $7::text,
  $8::text,
  $9::text,
  $10::boolean
);
`

const QListGeneratedImages = `--sql 341e0c2a-7242-4e79-9e9e-bcd04667f77e
select
  id,
  image_url,
  prompt,
  style,
  ratio,
  workflow,
  is_video,
  created_at
from generated_images
where user_id = $1::uuid
order by created_at desc
limit $2::int;
`

const QCountGeneratedToday = `--sql 3eff6307-2dab-46bd-b91b-a4d85bf9001d
select count(*)
from generated_images
where user_id = $1::uuid
  and created_at >= date_trunc('day', now());
`
