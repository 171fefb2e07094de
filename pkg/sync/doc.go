/*
The sync package holds the local half of bupper's sync model.

There are two kinds of paths:
1) Local paths -- These are files and directories on the machine running the
   agent. A Directory is a snapshot of a local tree, rebuilt from scratch on
   every sync cycle.
2) Remote paths -- These are where the compressed copies of the local files
   live on a target. They always use forward slashes and look like
   `<remoteBaseFolder>/<remoteName>/<subdir>/<relative path>.gz`.

Nothing about previous cycles is remembered locally. The modification time and
size of the remote objects are the only sync state, and they're compared
against the local files by the freshness package.

The sync algorithm only deals with files. Empty directories aren't synced.
*/
package sync
