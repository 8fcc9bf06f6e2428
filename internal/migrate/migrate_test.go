package migrate

import "testing"

func TestSplitStatements(t *testing.T) {
	sql := `create table a (id text);
insert into a values ('x;y');
create policy p on a using (name = 'ok');`
	stmts := splitStatements(sql)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3: %q", len(stmts), stmts)
	}
	if stmts[1] != "\ninsert into a values ('x;y');" {
		t.Fatalf("quoted semicolon split: %q", stmts[1])
	}
}

func TestCollectSQLMissingDir(t *testing.T) {
	files, err := collectSQL("does-not-exist", ".up.sql")
	if err != nil || files != nil {
		t.Fatalf("files=%v err=%v, want nil/nil", files, err)
	}
}
