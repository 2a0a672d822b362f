package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- GENERATED_QUESTION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS generated_question SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS run_id ON generated_question TYPE string;
    DEFINE FIELD IF NOT EXISTS batch ON generated_question TYPE int;
    DEFINE FIELD IF NOT EXISTS question ON generated_question TYPE string;
    DEFINE FIELD IF NOT EXISTS intent_ids ON generated_question TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS intent_weights ON generated_question TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS expected_intents ON generated_question TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS difficulty ON generated_question TYPE string
        ASSERT $value IN ["medium", "hard", "expert"];
    DEFINE FIELD IF NOT EXISTS confusion_points ON generated_question TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS max_similarity ON generated_question TYPE float;
    DEFINE FIELD IF NOT EXISTS provider ON generated_question TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS model ON generated_question TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS persona ON generated_question TYPE option<string>;
    -- Vectors from different embedding models may coexist, so no HNSW index here.
    DEFINE FIELD IF NOT EXISTS embedding ON generated_question TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS created_at ON generated_question TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS generated_question_run ON generated_question FIELDS run_id;
    DEFINE INDEX IF NOT EXISTS generated_question_intents ON generated_question FIELDS intent_ids;

    -- ==========================================================================
    -- GENERATION_RUN TABLE (one summary per run)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS generation_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS strategy ON generation_run TYPE string;
    DEFINE FIELD IF NOT EXISTS difficulty ON generation_run TYPE string;
    DEFINE FIELD IF NOT EXISTS started_at ON generation_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS finished_at ON generation_run TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS summary ON generation_run TYPE object FLEXIBLE;
`
