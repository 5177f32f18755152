package templategen

// Rust source text for the generated deployment binary. Cargo.toml, the
// embedded-data file, the module index, build.rs and the custom-module stub
// are text/template templates parameterised per group; main.rs, runtime.rs
// and the module implementations are fixed text included verbatim when the
// group references them.

const mainTemplate = `use std::collections::{HashMap, HashSet};
use std::sync::Arc;
use std::sync::atomic::{AtomicBool, Ordering};

mod embedded_data;
mod modules;
mod runtime;

use runtime::{ExecutionPlan, ExecutionResult, Task, TaskResult};

#[tokio::main]
async fn main() {
    let cancelled = Arc::new(AtomicBool::new(false));
    {
        let cancelled = cancelled.clone();
        let _ = ctrlc::set_handler(move || cancelled.store(true, Ordering::SeqCst));
    }

    let plan: ExecutionPlan = match embedded_data::execution_plan() {
        Ok(p) => p,
        Err(e) => {
            eprintln!("failed to load embedded execution plan: {e}");
            std::process::exit(1);
        }
    };

    let result = execute_plan(&plan, cancelled).await;
    let failed = result.failed > 0;

    // Stdout carries structured results only; diagnostics go to stderr.
    match serde_json::to_string(&result) {
        Ok(json) => println!("{json}"),
        Err(e) => {
            eprintln!("failed to serialise execution result: {e}");
            std::process::exit(1);
        }
    }

    std::process::exit(if failed { 1 } else { 0 });
}

async fn execute_plan(plan: &ExecutionPlan, cancelled: Arc<AtomicBool>) -> ExecutionResult {
    let mut results: Vec<TaskResult> = Vec::new();
    let mut done: HashSet<String> = HashSet::new();
    let mut vars: HashMap<String, serde_json::Value> = HashMap::new();

    let tasks: Vec<&Task> = plan
        .plays
        .iter()
        .flat_map(|p| p.batches.iter())
        .flat_map(|b| b.tasks.iter())
        .collect();

    let mut remaining: Vec<&Task> = tasks;
    while !remaining.is_empty() {
        if cancelled.load(Ordering::SeqCst) {
            eprintln!("execution cancelled");
            break;
        }

        // Tasks whose dependencies are satisfied are runnable this round.
        let (runnable, blocked): (Vec<&Task>, Vec<&Task>) = remaining
            .into_iter()
            .partition(|t| t.dependencies.iter().all(|d| done.contains(d)));

        if runnable.is_empty() {
            eprintln!("dependency deadlock over {} tasks", blocked.len());
            break;
        }
        remaining = blocked;

        let (parallel, serial): (Vec<&Task>, Vec<&Task>) =
            runnable.into_iter().partition(|t| t.can_run_parallel);

        let mut round: Vec<TaskResult> = Vec::new();
        let mut joins = tokio::task::JoinSet::new();
        for task in parallel {
            let task = task.clone();
            joins.spawn(async move { modules::dispatch(&task).await });
        }
        while let Some(joined) = joins.join_next().await {
            match joined {
                Ok(r) => round.push(r),
                Err(e) => eprintln!("task panicked: {e}"),
            }
        }
        for task in serial {
            if cancelled.load(Ordering::SeqCst) {
                break;
            }
            round.push(modules::dispatch(task).await);
        }

        for r in round {
            done.insert(r.task_id.clone());
            if let Some(v) = r.registered.clone() {
                vars.insert(r.task_id.clone(), v);
            }
            results.push(r);
        }
    }

    ExecutionResult::aggregate(results)
}
`

const runtimeSource = `use serde::{Deserialize, Serialize};
use std::collections::HashMap;

#[derive(Clone, Debug, Deserialize)]
pub struct ExecutionPlan {
    pub plays: Vec<Play>,
    #[serde(default)]
    pub hosts: Vec<String>,
    #[serde(default)]
    pub total_tasks: usize,
}

#[derive(Clone, Debug, Deserialize)]
pub struct Play {
    pub play_id: String,
    #[serde(default)]
    pub batches: Vec<Batch>,
}

#[derive(Clone, Debug, Deserialize)]
pub struct Batch {
    pub batch_id: String,
    #[serde(default)]
    pub tasks: Vec<Task>,
}

#[derive(Clone, Debug, Deserialize)]
pub struct Task {
    pub task_id: String,
    #[serde(default)]
    pub name: String,
    pub module: String,
    #[serde(default)]
    pub args: HashMap<String, serde_json::Value>,
    #[serde(default)]
    pub dependencies: Vec<String>,
    #[serde(default)]
    pub can_run_parallel: bool,
}

#[derive(Clone, Debug, Serialize)]
pub struct TaskResult {
    pub task_id: String,
    pub module: String,
    pub changed: bool,
    pub failed: bool,
    #[serde(skip_serializing_if = "Option::is_none")]
    pub msg: Option<String>,
    #[serde(skip_serializing_if = "Option::is_none")]
    pub stdout: Option<String>,
    #[serde(skip_serializing_if = "Option::is_none")]
    pub stderr: Option<String>,
    #[serde(skip_serializing_if = "Option::is_none")]
    pub rc: Option<i32>,
    #[serde(skip_serializing_if = "Option::is_none")]
    pub registered: Option<serde_json::Value>,
}

impl TaskResult {
    pub fn ok(task_id: &str, module: &str, changed: bool) -> Self {
        TaskResult {
            task_id: task_id.to_string(),
            module: module.to_string(),
            changed,
            failed: false,
            msg: None,
            stdout: None,
            stderr: None,
            rc: None,
            registered: None,
        }
    }

    pub fn fail(task_id: &str, module: &str, msg: String) -> Self {
        let mut r = TaskResult::ok(task_id, module, false);
        r.failed = true;
        r.msg = Some(msg);
        r
    }
}

#[derive(Debug, Serialize)]
pub struct ExecutionResult {
    pub total: usize,
    pub changed: usize,
    pub failed: usize,
    pub results: Vec<TaskResult>,
}

impl ExecutionResult {
    pub fn aggregate(results: Vec<TaskResult>) -> Self {
        ExecutionResult {
            total: results.len(),
            changed: results.iter().filter(|r| r.changed).count(),
            failed: results.iter().filter(|r| r.failed).count(),
            results,
        }
    }
}
`

const embeddedDataTemplate = `use crate::runtime::ExecutionPlan;
use base64::Engine;

const PLAN_B64: &str = "{{.PlanB64}}";

{{- if .HasFiles}}

pub struct StaticFile {
    pub path: &'static str,
    pub data_b64: &'static str,
    pub compressed: bool,
}

pub const STATIC_FILES: &[StaticFile] = &[
{{- range .Files}}
    StaticFile { path: "{{.Path}}", data_b64: "{{.DataB64}}", compressed: {{.Compressed}} },
{{- end}}
];
{{- end}}

pub const RUNTIME_CONFIG: &str = "{{.ConfigB64}}";

pub fn execution_plan() -> Result<ExecutionPlan, String> {
    let raw = base64::engine::general_purpose::STANDARD
        .decode(PLAN_B64)
        .map_err(|e| e.to_string())?;
    serde_json::from_slice(&raw).map_err(|e| e.to_string())
}
`

const modIndexTemplate = `use crate::runtime::{Task, TaskResult};

{{range .Modules}}pub mod {{.}};
{{end}}
pub async fn dispatch(task: &Task) -> TaskResult {
    let outcome = match task.module.as_str() {
{{- range .Modules}}
        "{{.}}" => {{.}}::execute(&task.args).await,
{{- end}}
        other => Err(format!("module {other} not compiled into this binary")),
    };

    match outcome {
        Ok(value) => {
            let mut r = TaskResult::ok(&task.task_id, &task.module, changed_from(&value));
            r.stdout = value.get("stdout").and_then(|v| v.as_str()).map(String::from);
            r.stderr = value.get("stderr").and_then(|v| v.as_str()).map(String::from);
            r.rc = value.get("rc").and_then(|v| v.as_i64()).map(|v| v as i32);
            r.msg = value.get("msg").and_then(|v| v.as_str()).map(String::from);
            r.registered = Some(value);
            r
        }
        Err(msg) => TaskResult::fail(&task.task_id, &task.module, msg),
    }
}

fn changed_from(value: &serde_json::Value) -> bool {
    value.get("changed").and_then(|v| v.as_bool()).unwrap_or(false)
}
`

// moduleSources maps module name to the Rust implementation of its
// execute() contract. Modules absent here get the explicit-failure stub.
var moduleSources = map[string]string{
	"debug": `use serde_json::{json, Map, Value};

/// Records msg in the result. For var, no variable bindings are consulted:
/// the result reads "<var>: VARIABLE IS NOT DEFINED". Never changes state.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let mut out = Map::new();
    out.insert("changed".into(), json!(false));

    if let Some(msg) = args.get("msg") {
        let text = match msg {
            Value::String(s) => s.clone(),
            other => other.to_string(),
        };
        out.insert("msg".into(), json!(text));
    } else if let Some(var) = args.get("var").and_then(|v| v.as_str()) {
        out.insert("msg".into(), json!(format!("{var}: VARIABLE IS NOT DEFINED")));
    } else {
        return Err("debug requires msg or var".into());
    }

    Ok(Value::Object(out))
}
`,

	"command": `use serde_json::{json, Value};
use std::path::Path;
use tokio::process::Command;

/// Runs a command without a shell: the command line is split honouring
/// quoting, creates/removes gate execution, chdir sets the working
/// directory. Failure iff exit code != 0.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let cmd = args
        .get("cmd")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "command requires cmd".to_string())?;

    if let Some(creates) = args.get("creates").and_then(|v| v.as_str()) {
        if Path::new(creates).exists() {
            return Ok(json!({"changed": false, "skipped": true, "msg": format!("{creates} exists")}));
        }
    }
    if let Some(removes) = args.get("removes").and_then(|v| v.as_str()) {
        if !Path::new(removes).exists() {
            return Ok(json!({"changed": false, "skipped": true, "msg": format!("{removes} absent")}));
        }
    }

    let words = shell_words::split(cmd).map_err(|e| e.to_string())?;
    let (program, rest) = words
        .split_first()
        .ok_or_else(|| "empty command".to_string())?;

    let mut command = Command::new(program);
    command.args(rest);
    if let Some(dir) = args.get("chdir").and_then(|v| v.as_str()) {
        command.current_dir(dir);
    }

    let output = command.output().await.map_err(|e| e.to_string())?;
    let rc = output.status.code().unwrap_or(-1);
    let result = json!({
        "changed": true,
        "stdout": String::from_utf8_lossy(&output.stdout),
        "stderr": String::from_utf8_lossy(&output.stderr),
        "rc": rc,
    });
    if rc != 0 {
        return Err(format!("command exited {rc}: {}", String::from_utf8_lossy(&output.stderr)));
    }
    Ok(result)
}
`,

	"shell": `use serde_json::{json, Value};
use std::path::Path;
use tokio::process::Command;

/// Runs a command through /bin/sh -c so shell syntax works, with the same
/// creates/removes/chdir handling as the command module.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let cmd = args
        .get("cmd")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "shell requires cmd".to_string())?;

    if let Some(creates) = args.get("creates").and_then(|v| v.as_str()) {
        if Path::new(creates).exists() {
            return Ok(json!({"changed": false, "skipped": true, "msg": format!("{creates} exists")}));
        }
    }
    if let Some(removes) = args.get("removes").and_then(|v| v.as_str()) {
        if !Path::new(removes).exists() {
            return Ok(json!({"changed": false, "skipped": true, "msg": format!("{removes} absent")}));
        }
    }

    let mut command = Command::new("/bin/sh");
    command.arg("-c").arg(cmd);
    if let Some(dir) = args.get("chdir").and_then(|v| v.as_str()) {
        command.current_dir(dir);
    }

    let output = command.output().await.map_err(|e| e.to_string())?;
    let rc = output.status.code().unwrap_or(-1);
    if rc != 0 {
        return Err(format!("shell exited {rc}: {}", String::from_utf8_lossy(&output.stderr)));
    }
    Ok(json!({
        "changed": true,
        "stdout": String::from_utf8_lossy(&output.stdout),
        "stderr": String::from_utf8_lossy(&output.stderr),
        "rc": rc,
    }))
}
`,

	"file": `use serde_json::{json, Value};
use std::path::Path;

/// Realises the declared state against path: file/directory/link/hard/
/// touch/absent, then applies mode and owner; group is applied only when
/// owner is also given. backup=true copies
/// the prior file aside first.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let path = args
        .get("path")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "file requires path".to_string())?;
    let state = args.get("state").and_then(|v| v.as_str()).unwrap_or("file");
    let existed = Path::new(path).exists();

    if args.get("backup").and_then(|v| v.as_bool()).unwrap_or(false) && existed {
        tokio::fs::copy(path, format!("{path}.backup"))
            .await
            .map_err(|e| e.to_string())?;
    }

    let mut changed = false;
    match state {
        "touch" => {
            if !existed {
                tokio::fs::File::create(path).await.map_err(|e| e.to_string())?;
            }
            let now = filetime::FileTime::now();
            filetime::set_file_times(path, now, now).map_err(|e| e.to_string())?;
            changed = true;
        }
        "file" => {
            if !existed {
                return Err(format!("{path} does not exist, use state=touch to create"));
            }
        }
        "directory" => {
            if !existed {
                tokio::fs::create_dir_all(path).await.map_err(|e| e.to_string())?;
                changed = true;
            }
        }
        "link" | "hard" => {
            let src = args
                .get("src")
                .and_then(|v| v.as_str())
                .ok_or_else(|| "link state requires src".to_string())?;
            if !existed {
                if state == "link" {
                    #[cfg(unix)]
                    tokio::fs::symlink(src, path).await.map_err(|e| e.to_string())?;
                } else {
                    tokio::fs::hard_link(src, path).await.map_err(|e| e.to_string())?;
                }
                changed = true;
            }
        }
        "absent" => {
            if existed {
                let meta = tokio::fs::metadata(path).await.map_err(|e| e.to_string())?;
                if meta.is_dir() {
                    tokio::fs::remove_dir_all(path).await.map_err(|e| e.to_string())?;
                } else {
                    tokio::fs::remove_file(path).await.map_err(|e| e.to_string())?;
                }
                changed = true;
            }
            return Ok(json!({"changed": changed, "path": path, "state": "absent"}));
        }
        other => return Err(format!("unknown file state {other}")),
    }

    if let Some(mode) = args.get("mode").and_then(|v| v.as_str()) {
        changed |= crate::modules::permissions::apply_mode(path, mode)?;
    }
    if let Some(owner) = args.get("owner").and_then(|v| v.as_str()) {
        changed |= crate::modules::permissions::apply_owner(path, owner, args.get("group").and_then(|v| v.as_str()))?;
    }

    Ok(json!({"changed": changed, "path": path, "state": state}))
}
`,

	"copy": `use serde_json::{json, Value};
use std::path::Path;

/// Copies src (or inline content) to dest, idempotent when contents
/// already match. Directory sources copy recursively.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let dest = args
        .get("dest")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "copy requires dest".to_string())?;

    let payload: Vec<u8> = if let Some(content) = args.get("content").and_then(|v| v.as_str()) {
        content.as_bytes().to_vec()
    } else {
        let src = args
            .get("src")
            .and_then(|v| v.as_str())
            .ok_or_else(|| "copy requires src or content".to_string())?;
        let meta = tokio::fs::metadata(src).await.map_err(|e| e.to_string())?;
        if meta.is_dir() {
            return copy_dir(src, dest, args).await;
        }
        tokio::fs::read(src).await.map_err(|e| e.to_string())?
    };

    let identical = match tokio::fs::read(dest).await {
        Ok(existing) => existing == payload,
        Err(_) => false,
    };
    if identical && !args.get("force").and_then(|v| v.as_bool()).unwrap_or(false) {
        return Ok(json!({"changed": false, "dest": dest}));
    }

    if args.get("backup").and_then(|v| v.as_bool()).unwrap_or(false) && Path::new(dest).exists() {
        tokio::fs::copy(dest, format!("{dest}.backup"))
            .await
            .map_err(|e| e.to_string())?;
    }

    if let Some(parent) = Path::new(dest).parent() {
        tokio::fs::create_dir_all(parent).await.map_err(|e| e.to_string())?;
    }
    tokio::fs::write(dest, &payload).await.map_err(|e| e.to_string())?;

    if let Some(mode) = args.get("mode").and_then(|v| v.as_str()) {
        crate::modules::permissions::apply_mode(dest, mode)?;
    }
    if let Some(owner) = args.get("owner").and_then(|v| v.as_str()) {
        crate::modules::permissions::apply_owner(dest, owner, args.get("group").and_then(|v| v.as_str()))?;
    }

    Ok(json!({"changed": true, "dest": dest, "size": payload.len()}))
}

async fn copy_dir(
    src: &str,
    dest: &str,
    args: &std::collections::HashMap<String, Value>,
) -> Result<Value, String> {
    let mut stack = vec![(src.to_string(), dest.to_string())];
    let mut copied = 0usize;
    while let Some((from, to)) = stack.pop() {
        tokio::fs::create_dir_all(&to).await.map_err(|e| e.to_string())?;
        let mut entries = tokio::fs::read_dir(&from).await.map_err(|e| e.to_string())?;
        while let Some(entry) = entries.next_entry().await.map_err(|e| e.to_string())? {
            let target = format!("{to}/{}", entry.file_name().to_string_lossy());
            let ty = entry.file_type().await.map_err(|e| e.to_string())?;
            if ty.is_dir() {
                stack.push((entry.path().to_string_lossy().into_owned(), target));
            } else {
                tokio::fs::copy(entry.path(), &target).await.map_err(|e| e.to_string())?;
                copied += 1;
            }
        }
    }
    let _ = args;
    Ok(json!({"changed": copied > 0, "dest": dest, "files_copied": copied}))
}
`,

	"template": `use serde_json::{json, Map, Value};
use std::path::{Path, PathBuf};
use tokio::io::AsyncWriteExt;

/// Renders the source template against the mapping in the variables
/// argument; process facts and plan variables are not merged in. Writes
/// the output atomically: temp sibling, fsync, rename. validate
/// runs with %s replaced by the rendered file before it is moved into
/// place.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let src = args
        .get("src")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "template requires src".to_string())?;
    let dest = args
        .get("dest")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "template requires dest".to_string())?;

    let source = tokio::fs::read_to_string(src).await.map_err(|e| e.to_string())?;

    // Only the variables argument feeds the render context.
    let mut vars = Map::new();
    if let Some(Value::Object(extra)) = args.get("variables") {
        for (k, v) in extra {
            vars.insert(k.clone(), v.clone());
        }
    }

    let mut hb = handlebars::Handlebars::new();
    hb.set_strict_mode(false);
    hb.register_helper("default", Box::new(default_helper));
    let rendered = hb
        .render_template(&source, &Value::Object(vars))
        .map_err(|e| e.to_string())?;

    let existing = tokio::fs::read_to_string(dest).await.ok();
    if existing.as_deref() == Some(rendered.as_str()) {
        return Ok(json!({"changed": false, "dest": dest}));
    }

    if args.get("backup").and_then(|v| v.as_bool()).unwrap_or(false) && Path::new(dest).exists() {
        tokio::fs::copy(dest, format!("{dest}.backup"))
            .await
            .map_err(|e| e.to_string())?;
    }

    let tmp: PathBuf = Path::new(dest).with_extension("tmp-template");
    {
        let mut f = tokio::fs::File::create(&tmp).await.map_err(|e| e.to_string())?;
        f.write_all(rendered.as_bytes()).await.map_err(|e| e.to_string())?;
        f.sync_all().await.map_err(|e| e.to_string())?;
    }

    if let Some(validate) = args.get("validate").and_then(|v| v.as_str()) {
        let cmd = validate.replace("%s", &tmp.to_string_lossy());
        let output = tokio::process::Command::new("/bin/sh")
            .arg("-c")
            .arg(&cmd)
            .output()
            .await
            .map_err(|e| e.to_string())?;
        if !output.status.success() {
            let _ = tokio::fs::remove_file(&tmp).await;
            return Err(format!(
                "validation command failed: {}",
                String::from_utf8_lossy(&output.stderr)
            ));
        }
    }

    tokio::fs::rename(&tmp, dest).await.map_err(|e| e.to_string())?;

    if let Some(mode) = args.get("mode").and_then(|v| v.as_str()) {
        crate::modules::permissions::apply_mode(dest, mode)?;
    }

    Ok(json!({"changed": true, "dest": dest}))
}

fn default_helper(
    h: &handlebars::Helper,
    _: &handlebars::Handlebars,
    _: &handlebars::Context,
    _: &mut handlebars::RenderContext,
    out: &mut dyn handlebars::Output,
) -> handlebars::HelperResult {
    let value = h.param(0).map(|p| p.value().clone()).unwrap_or(Value::Null);
    let fallback = h.param(1).map(|p| p.value().clone()).unwrap_or(Value::Null);
    let chosen = if value.is_null() { fallback } else { value };
    let text = match chosen {
        Value::String(s) => s,
        other => other.to_string(),
    };
    out.write(&text)?;
    Ok(())
}
`,

	"stat": `use md5::Md5;
use serde_json::{json, Value};
use sha1::Sha1;
use sha2::{Digest, Sha256};

/// Reports existence, type flags, size, timestamps, and ownership for a
/// path. Optionally computes a checksum. Never mutates.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let path = args
        .get("path")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "stat requires path".to_string())?;

    let meta = match tokio::fs::symlink_metadata(path).await {
        Ok(m) => m,
        Err(_) => return Ok(json!({"changed": false, "stat": {"exists": false}})),
    };

    let mut stat = serde_json::Map::new();
    stat.insert("exists".into(), json!(true));
    stat.insert("isreg".into(), json!(meta.is_file()));
    stat.insert("isdir".into(), json!(meta.is_dir()));
    stat.insert("islnk".into(), json!(meta.file_type().is_symlink()));
    stat.insert("size".into(), json!(meta.len()));

    #[cfg(unix)]
    {
        use std::os::unix::fs::MetadataExt;
        stat.insert("mode".into(), json!(format!("{:04o}", meta.mode() & 0o7777)));
        stat.insert("uid".into(), json!(meta.uid()));
        stat.insert("gid".into(), json!(meta.gid()));
        stat.insert("mtime".into(), json!(meta.mtime()));
        stat.insert("atime".into(), json!(meta.atime()));
    }

    if args.get("get_checksum").and_then(|v| v.as_bool()).unwrap_or(false) && meta.is_file() {
        let data = tokio::fs::read(path).await.map_err(|e| e.to_string())?;
        let algo = args
            .get("checksum_algorithm")
            .and_then(|v| v.as_str())
            .unwrap_or("sha256");
        let digest = match algo {
            "md5" => format!("{:x}", Md5::digest(&data)),
            "sha1" => format!("{:x}", Sha1::digest(&data)),
            "sha256" => format!("{:x}", Sha256::digest(&data)),
            other => return Err(format!("unsupported checksum algorithm {other}")),
        };
        stat.insert("checksum".into(), json!(digest));
    }

    Ok(json!({"changed": false, "stat": Value::Object(stat)}))
}
`,

	"archive": `use serde_json::{json, Value};
use std::fs::File;
use std::path::Path;

/// Creates a TAR (plain, gz, bz2, xz) or ZIP archive from path entries.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let dest = args
        .get("dest")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "archive requires dest".to_string())?;
    let mut sources: Vec<String> = Vec::new();
    match args.get("path") {
        Some(Value::String(s)) => sources.push(s.clone()),
        Some(Value::Array(items)) => {
            for item in items {
                if let Some(s) = item.as_str() {
                    sources.push(s.to_string());
                }
            }
        }
        _ => return Err("archive requires path".into()),
    }

    let format = args
        .get("format")
        .and_then(|v| v.as_str())
        .unwrap_or_else(|| detect_format(dest));

    let dest_owned = dest.to_string();
    tokio::task::spawn_blocking(move || create_archive(&dest_owned, &sources, format))
        .await
        .map_err(|e| e.to_string())??;

    Ok(json!({"changed": true, "dest": dest}))
}

fn detect_format(dest: &str) -> &'static str {
    if dest.ends_with(".zip") {
        "zip"
    } else if dest.ends_with(".tar.bz2") {
        "bz2"
    } else if dest.ends_with(".tar.xz") {
        "xz"
    } else if dest.ends_with(".tar") {
        "tar"
    } else {
        "gz"
    }
}

fn create_archive(dest: &str, sources: &[String], format: &str) -> Result<(), String> {
    let file = File::create(dest).map_err(|e| e.to_string())?;
    match format {
        "zip" => {
            let mut zip = zip::ZipWriter::new(file);
            let opts = zip::write::SimpleFileOptions::default();
            for src in sources {
                let name = Path::new(src)
                    .file_name()
                    .map(|n| n.to_string_lossy().into_owned())
                    .unwrap_or_else(|| src.clone());
                zip.start_file(name, opts).map_err(|e| e.to_string())?;
                let data = std::fs::read(src).map_err(|e| e.to_string())?;
                use std::io::Write;
                zip.write_all(&data).map_err(|e| e.to_string())?;
            }
            zip.finish().map_err(|e| e.to_string())?;
        }
        "tar" => append_tar(tar::Builder::new(file), sources)?,
        "bz2" => append_tar(
            tar::Builder::new(bzip2::write::BzEncoder::new(file, bzip2::Compression::default())),
            sources,
        )?,
        "xz" => append_tar(tar::Builder::new(xz2::write::XzEncoder::new(file, 6)), sources)?,
        _ => append_tar(
            tar::Builder::new(flate2::write::GzEncoder::new(file, flate2::Compression::default())),
            sources,
        )?,
    }
    Ok(())
}

fn append_tar<W: std::io::Write>(mut builder: tar::Builder<W>, sources: &[String]) -> Result<(), String> {
    for src in sources {
        let path = Path::new(src);
        let name = path
            .file_name()
            .map(|n| n.to_string_lossy().into_owned())
            .unwrap_or_else(|| src.clone());
        if path.is_dir() {
            builder.append_dir_all(&name, path).map_err(|e| e.to_string())?;
        } else {
            builder.append_path_with_name(path, &name).map_err(|e| e.to_string())?;
        }
    }
    builder.finish().map_err(|e| e.to_string())
}
`,

	"unarchive": `use serde_json::{json, Value};
use sha2::{Digest, Sha256};
use std::fs::File;
use std::io::Read;
use std::path::{Component, Path};

/// Extracts TAR (plain, gz, bz2, xz) and ZIP archives. Entries escaping
/// the destination are skipped. keep_newer leaves a newer destination
/// alone; checksum verifies the archive before anything is written.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let src = args
        .get("src")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "unarchive requires src".to_string())?
        .to_string();
    let dest = args
        .get("dest")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "unarchive requires dest".to_string())?
        .to_string();

    if let Some(expected) = args.get("checksum").and_then(|v| v.as_str()) {
        let data = tokio::fs::read(&src).await.map_err(|e| e.to_string())?;
        let actual = format!("{:x}", Sha256::digest(&data));
        let expected = expected.strip_prefix("sha256:").unwrap_or(expected);
        if actual != expected {
            return Err(format!("archive checksum mismatch: expected {expected}, got {actual}"));
        }
    }

    if args.get("keep_newer").and_then(|v| v.as_bool()).unwrap_or(false) {
        if let (Ok(dm), Ok(sm)) = (std::fs::metadata(&dest), std::fs::metadata(&src)) {
            if let (Ok(dt), Ok(st)) = (dm.modified(), sm.modified()) {
                if dt > st {
                    return Ok(json!({"changed": false, "skipped": true, "msg": "destination is newer"}));
                }
            }
        }
    }

    let (extracted, skipped) = tokio::task::spawn_blocking(move || extract(&src, &dest))
        .await
        .map_err(|e| e.to_string())??;

    Ok(json!({"changed": extracted > 0, "extracted": extracted, "skipped_unsafe": skipped}))
}

/// is_safe_path rejects absolute entries and any path that climbs out of
/// the extraction root.
fn is_safe_path(path: &Path) -> bool {
    if path.is_absolute() {
        return false;
    }
    let mut depth: i32 = 0;
    for part in path.components() {
        match part {
            Component::ParentDir => {
                depth -= 1;
                if depth < 0 {
                    return false;
                }
            }
            Component::Normal(_) => depth += 1,
            Component::RootDir | Component::Prefix(_) => return false,
            Component::CurDir => {}
        }
    }
    true
}

fn extract(src: &str, dest: &str) -> Result<(usize, usize), String> {
    std::fs::create_dir_all(dest).map_err(|e| e.to_string())?;

    if src.ends_with(".zip") {
        return extract_zip(src, dest);
    }

    let file = File::open(src).map_err(|e| e.to_string())?;
    let reader: Box<dyn Read> = if src.ends_with(".tar.gz") || src.ends_with(".tgz") {
        Box::new(flate2::read::GzDecoder::new(file))
    } else if src.ends_with(".tar.bz2") {
        Box::new(bzip2::read::BzDecoder::new(file))
    } else if src.ends_with(".tar.xz") {
        Box::new(xz2::read::XzDecoder::new(file))
    } else {
        Box::new(file)
    };

    let mut archive = tar::Archive::new(reader);
    let mut extracted = 0usize;
    let mut skipped = 0usize;
    for entry in archive.entries().map_err(|e| e.to_string())? {
        let mut entry = entry.map_err(|e| e.to_string())?;
        let path = entry.path().map_err(|e| e.to_string())?.into_owned();
        if !is_safe_path(&path) {
            skipped += 1;
            continue;
        }
        let target = Path::new(dest).join(&path);
        if entry.unpack(&target).is_ok() {
            extracted += 1;
        }
    }
    Ok((extracted, skipped))
}

fn extract_zip(src: &str, dest: &str) -> Result<(usize, usize), String> {
    let file = File::open(src).map_err(|e| e.to_string())?;
    let mut archive = zip::ZipArchive::new(file).map_err(|e| e.to_string())?;
    let mut extracted = 0usize;
    let mut skipped = 0usize;
    for i in 0..archive.len() {
        let mut entry = archive.by_index(i).map_err(|e| e.to_string())?;
        let Some(rel) = entry.enclosed_name() else {
            skipped += 1;
            continue;
        };
        let target = Path::new(dest).join(rel);
        if entry.is_dir() {
            std::fs::create_dir_all(&target).map_err(|e| e.to_string())?;
            continue;
        }
        if let Some(parent) = target.parent() {
            std::fs::create_dir_all(parent).map_err(|e| e.to_string())?;
        }
        let mut out = File::create(&target).map_err(|e| e.to_string())?;
        std::io::copy(&mut entry, &mut out).map_err(|e| e.to_string())?;
        extracted += 1;
    }
    Ok((extracted, skipped))
}
`,

	"package": `use serde_json::{json, Value};
use tokio::process::Command;

/// Installs or removes a package through the first available platform
/// package manager.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let name = args
        .get("name")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "package requires name".to_string())?;
    let state = args.get("state").and_then(|v| v.as_str()).unwrap_or("present");

    let managers: &[(&str, &[&str], &[&str])] = &[
        ("apt-get", &["install", "-y"], &["remove", "-y"]),
        ("dnf", &["install", "-y"], &["remove", "-y"]),
        ("yum", &["install", "-y"], &["remove", "-y"]),
        ("pacman", &["-S", "--noconfirm"], &["-R", "--noconfirm"]),
        ("zypper", &["install", "-y"], &["remove", "-y"]),
        ("brew", &["install"], &["uninstall"]),
        ("pkg", &["install", "-y"], &["delete", "-y"]),
    ];

    for (manager, install, remove) in managers {
        if which(manager).await {
            let action: &[&str] = if state == "absent" { remove } else { install };
            let output = Command::new(manager)
                .args(action.iter())
                .arg(name)
                .output()
                .await
                .map_err(|e| e.to_string())?;
            let rc = output.status.code().unwrap_or(-1);
            if rc != 0 {
                return Err(format!(
                    "{manager} exited {rc}: {}",
                    String::from_utf8_lossy(&output.stderr)
                ));
            }
            return Ok(json!({"changed": true, "name": name, "state": state, "manager": manager}));
        }
    }

    Err("no supported package manager found".into())
}

async fn which(binary: &str) -> bool {
    Command::new("which")
        .arg(binary)
        .output()
        .await
        .map(|o| o.status.success())
        .unwrap_or(false)
}
`,

	"service": `use serde_json::{json, Value};
use tokio::process::Command;

/// Drives a service through systemd when available, falling back to the
/// sysvinit service wrapper.
pub async fn execute(args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    let name = args
        .get("name")
        .and_then(|v| v.as_str())
        .ok_or_else(|| "service requires name".to_string())?;
    let state = args.get("state").and_then(|v| v.as_str()).unwrap_or("started");

    let action = match state {
        "started" => "start",
        "stopped" => "stop",
        "restarted" => "restart",
        "reloaded" => "reload",
        other => return Err(format!("unknown service state {other}")),
    };

    let (program, svc_args): (&str, Vec<&str>) = if systemd_available().await {
        ("systemctl", vec![action, name])
    } else {
        ("service", vec![name, action])
    };

    let output = Command::new(program)
        .args(&svc_args)
        .output()
        .await
        .map_err(|e| e.to_string())?;
    let rc = output.status.code().unwrap_or(-1);
    if rc != 0 {
        return Err(format!(
            "{program} exited {rc}: {}",
            String::from_utf8_lossy(&output.stderr)
        ));
    }

    if let Some(enabled) = args.get("enabled").and_then(|v| v.as_bool()) {
        let toggle = if enabled { "enable" } else { "disable" };
        let _ = Command::new("systemctl").args([toggle, name]).output().await;
    }

    Ok(json!({"changed": true, "name": name, "state": state}))
}

async fn systemd_available() -> bool {
    Command::new("systemctl")
        .arg("--version")
        .output()
        .await
        .map(|o| o.status.success())
        .unwrap_or(false)
}
`,
}

// permissionsSource is shared mode/owner handling for file-mutating
// modules; always emitted when any of them is present.
const permissionsSource = `#[cfg(unix)]
use std::os::unix::fs::PermissionsExt;

pub fn apply_mode(path: &str, mode: &str) -> Result<bool, String> {
    #[cfg(unix)]
    {
        let bits = u32::from_str_radix(mode.trim_start_matches("0o").trim_start_matches('0'), 8)
            .or_else(|_| u32::from_str_radix(mode, 8))
            .map_err(|e| format!("invalid mode {mode}: {e}"))?;
        std::fs::set_permissions(path, std::fs::Permissions::from_mode(bits))
            .map_err(|e| e.to_string())?;
        return Ok(true);
    }
    #[cfg(not(unix))]
    {
        let _ = (path, mode);
        Ok(false)
    }
}

pub fn apply_owner(path: &str, owner: &str, group: Option<&str>) -> Result<bool, String> {
    let spec = match group {
        Some(g) => format!("{owner}:{g}"),
        None => owner.to_string(),
    };
    let status = std::process::Command::new("chown")
        .arg(&spec)
        .arg(path)
        .status()
        .map_err(|e| e.to_string())?;
    if !status.success() {
        return Err(format!("chown {spec} {path} failed"));
    }
    Ok(true)
}
`

// customStubTemplate is the escape hatch for modules without a generated
// implementation: compiles fine, fails loudly when dispatched.
const customStubTemplate = `use serde_json::Value;

pub async fn execute(_args: &std::collections::HashMap<String, Value>) -> Result<Value, String> {
    Err("module {{.Name}} has no native implementation in this binary".to_string())
}
`

const manifestTemplate = `[package]
name = "{{.PackageName}}"
version = "0.1.0"
edition = "2021"

[[bin]]
name = "{{.BinaryName}}"
path = "src/main.rs"

[dependencies]
serde = { version = "1", features = ["derive"] }
serde_json = "1"
tokio = { version = "1", features = ["rt-multi-thread", "macros", "fs", "process", "io-util", "time"] }
base64 = "0.22"
ctrlc = "3"
{{- if .NeedsShellWords}}
shell-words = "1"
{{- end}}
{{- if .NeedsHandlebars}}
handlebars = "5"
{{- end}}
{{- if .NeedsFiletime}}
filetime = "0.2"
{{- end}}
{{- if .NeedsHashes}}
sha2 = "0.10"
sha1 = "0.10"
md-5 = "0.10"
{{- end}}
{{- if .NeedsArchives}}
tar = "0.4"
flate2 = "1"
bzip2 = "0.4"
xz2 = "0.1"
zip = "2"
{{- end}}

[features]
default = []
{{- range .Features}}
{{.}} = []
{{- end}}

[profile.release]
opt-level = 3
lto = "fat"
codegen-units = 1
strip = true
panic = "abort"
`

const buildScriptTemplate = `fn main() {
{{- range .LinkerEnv}}
    println!("cargo:rustc-env={{.Key}}={{.Value}}");
{{- end}}
{{- range .LinkArgs}}
    println!("cargo:rustc-link-arg={{.}}");
{{- end}}
}
`
